package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/untillpro/goutils/logger"

	"entitycore/internal/infra/persistence/bbolt"
	"entitycore/internal/infra/persistence/cassandra"
	"entitycore/internal/infra/persistence/document"
	"entitycore/internal/infra/persistence/fs"
	"entitycore/internal/infra/persistence/memory"
	"entitycore/internal/infra/persistence/postgres"
	"entitycore/internal/infra/persistence/s3"
	"entitycore/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a MapStore implementation.
type StorageDriver string

const (
	StorageMemory    StorageDriver = "memory"    // in-memory only (tests / ephemeral)
	StorageSQLite    StorageDriver = "sqlite"    // embedded sqlite file
	StoragePostgres  StorageDriver = "postgres"  // PostgreSQL server
	StorageBBolt     StorageDriver = "bbolt"     // embedded node tree
	StorageFS        StorageDriver = "fs"        // one JSON file per entity
	StorageS3        StorageDriver = "s3"        // object storage
	StorageCassandra StorageDriver = "cassandra" // lightweight transactions
)

// StorageDrivers lists every supported driver.
var StorageDrivers = []StorageDriver{StorageMemory, StorageSQLite, StoragePostgres, StorageBBolt, StorageFS, StorageS3, StorageCassandra}

// Config selects and parameterizes the entity store backend.
type Config struct {
	Driver             StorageDriver
	SQLitePath         string
	PostgresDSN        string
	BBoltPath          string
	FSRoot             string
	S3                 s3.Config
	Cassandra          cassandra.Params
	Consistency        document.Consistency
	CacheSize          int
	ApplicationVersion string
	MaxRetries         int
}

// DefaultConfig is the configuration used when no variables are set.
func DefaultConfig() Config {
	return Config{
		Driver:     StorageSQLite,
		CacheSize:  document.DefaultCacheSize,
		MaxRetries: DefaultMaxRetries,
	}
}

// ConfigFromEnv reads the configuration from the environment. Unset
// variables keep their DefaultConfig values.
//
//	ENTITYCORE_STORAGE_DRIVER: memory|sqlite|postgres|bbolt|fs|s3|cassandra (default sqlite)
//	ENTITYCORE_SQLITE_PATH, ENTITYCORE_POSTGRES_DSN, ENTITYCORE_BBOLT_PATH, ENTITYCORE_FS_ROOT
//	ENTITYCORE_S3_BUCKET, ENTITYCORE_S3_REGION, ENTITYCORE_S3_ENDPOINT, ENTITYCORE_S3_PREFIX, ENTITYCORE_S3_PATH_STYLE
//	ENTITYCORE_CASSANDRA_HOSTS, ENTITYCORE_CASSANDRA_PORT, ENTITYCORE_CASSANDRA_KEYSPACE
//	ENTITYCORE_CONSISTENCY: strong|eventual
//	ENTITYCORE_CACHE_SIZE, ENTITYCORE_APP_VERSION, ENTITYCORE_MAX_RETRIES
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if v := os.Getenv("ENTITYCORE_STORAGE_DRIVER"); v != "" {
		cfg.Driver = StorageDriver(strings.ToLower(v))
	}
	cfg.SQLitePath = os.Getenv("ENTITYCORE_SQLITE_PATH")
	cfg.PostgresDSN = os.Getenv("ENTITYCORE_POSTGRES_DSN")
	cfg.BBoltPath = os.Getenv("ENTITYCORE_BBOLT_PATH")
	cfg.FSRoot = os.Getenv("ENTITYCORE_FS_ROOT")
	cfg.S3 = s3.Config{
		Bucket:   os.Getenv("ENTITYCORE_S3_BUCKET"),
		Region:   os.Getenv("ENTITYCORE_S3_REGION"),
		Endpoint: os.Getenv("ENTITYCORE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ENTITYCORE_S3_PREFIX"),
	}
	if v := os.Getenv("ENTITYCORE_S3_PATH_STYLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("ENTITYCORE_S3_PATH_STYLE: %w", err)
		}
		cfg.S3.PathStyle = b
	}
	cfg.Cassandra = cassandra.Params{
		Hosts:    os.Getenv("ENTITYCORE_CASSANDRA_HOSTS"),
		Keyspace: os.Getenv("ENTITYCORE_CASSANDRA_KEYSPACE"),
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"ENTITYCORE_CASSANDRA_PORT", &cfg.Cassandra.Port},
		{"ENTITYCORE_CACHE_SIZE", &cfg.CacheSize},
		{"ENTITYCORE_MAX_RETRIES", &cfg.MaxRetries},
	}
	for _, i := range ints {
		v := os.Getenv(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", i.name, err)
		}
		*i.dst = n
	}
	c, err := document.ParseConsistency(os.Getenv("ENTITYCORE_CONSISTENCY"))
	if err != nil {
		return cfg, fmt.Errorf("ENTITYCORE_CONSISTENCY: %w", err)
	}
	cfg.Consistency = c
	cfg.ApplicationVersion = os.Getenv("ENTITYCORE_APP_VERSION")
	return cfg, nil
}

// OpenMapStore opens the backend named by cfg.Driver. An empty driver
// means sqlite.
func OpenMapStore(ctx context.Context, cfg Config) (document.MapStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	var (
		store document.MapStore
		err   error
	)
	switch driver {
	case StorageMemory:
		store = memory.NewStore()
	case StorageSQLite:
		store, err = sqlite.Open(ctx, cfg.SQLitePath)
	case StoragePostgres:
		store, err = postgres.Open(ctx, cfg.PostgresDSN)
	case StorageBBolt:
		store, err = bbolt.Open(cfg.BBoltPath)
	case StorageFS:
		store, err = fs.Open(cfg.FSRoot)
	case StorageS3:
		store, err = s3.New(ctx, cfg.S3)
	case StorageCassandra:
		store, err = cassandra.Open(cfg.Cassandra)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", driver, err)
	}
	logger.Info("entitycore: opened", driver, "storage")
	return store, nil
}

// OpenEntityStore opens the configured backend behind a document store.
// Extra document options are applied after the configured ones.
func OpenEntityStore(ctx context.Context, cfg Config, opts ...document.Option) (*document.Store, error) {
	backend, err := OpenMapStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	name := string(cfg.Driver)
	if name == "" {
		name = string(StorageSQLite)
	}
	all := []document.Option{
		document.WithName(name),
		document.WithCacheSize(cfg.CacheSize),
		document.WithConsistency(cfg.Consistency),
		document.WithApplicationVersion(cfg.ApplicationVersion),
	}
	store, err := document.New(backend, append(all, opts...)...)
	if err != nil {
		if c, ok := backend.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return store, nil
}

// Open builds a factory over the configured store. The returned store must
// be closed by the caller.
func Open(ctx context.Context, cfg Config, opts ...Option) (*UnitOfWorkFactory, *document.Store, error) {
	store, err := OpenEntityStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	all := append([]Option{WithMaxRetries(cfg.MaxRetries)}, opts...)
	return NewUnitOfWorkFactory(store, all...), store, nil
}
