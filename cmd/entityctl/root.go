package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/untillpro/goutils/logger"

	"entitycore/internal/core"
	"entitycore/internal/infra/persistence/document"
)

// cliParams holds the persistent flags
type cliParams struct {
	driver  string
	path    string
	dsn     string
	verbose bool
}

// target points a config at one store; empty values keep the environment's.
type target struct {
	driver string
	path   string
	dsn    string
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(out io.Writer) *cobra.Command {
	params := &cliParams{}
	root := &cobra.Command{
		Use:           "entityctl",
		Short:         "Inspect and copy entity stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setLogLevel(params.verbose, os.Getenv("ENTITYCORE_LOG_LEVEL"))
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&params.driver, "driver", "", "storage driver, overrides ENTITYCORE_STORAGE_DRIVER")
	root.PersistentFlags().StringVar(&params.path, "path", "", "sqlite file, bbolt file or fs root of the store")
	root.PersistentFlags().StringVar(&params.dsn, "dsn", "", "postgres DSN of the store")
	root.PersistentFlags().BoolVarP(&params.verbose, "verbose", "v", false, "verbose logging")
	root.AddCommand(
		newCountCmd(params),
		newDumpCmd(params),
		newGetCmd(params),
		newCopyCmd(params),
	)
	return root
}

func setLogLevel(verbose bool, level string) error {
	if verbose {
		logger.SetLogLevel(logger.LogLevelVerbose)
		return nil
	}
	switch strings.ToLower(level) {
	case "", "warning":
		logger.SetLogLevel(logger.LogLevelWarning)
	case "none":
		logger.SetLogLevel(logger.LogLevelNone)
	case "error":
		logger.SetLogLevel(logger.LogLevelError)
	case "info":
		logger.SetLogLevel(logger.LogLevelInfo)
	case "verbose":
		logger.SetLogLevel(logger.LogLevelVerbose)
	case "trace":
		logger.SetLogLevel(logger.LogLevelTrace)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	return nil
}

func (p *cliParams) source() target {
	return target{driver: p.driver, path: p.path, dsn: p.dsn}
}

// config reads the environment and applies t. Maintenance commands
// bypass the read cache.
func (t target) config() (core.Config, error) {
	cfg, err := core.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	if t.driver != "" {
		cfg.Driver = core.StorageDriver(strings.ToLower(t.driver))
	}
	if t.path != "" {
		switch cfg.Driver {
		case core.StorageSQLite:
			cfg.SQLitePath = t.path
		case core.StorageBBolt:
			cfg.BBoltPath = t.path
		case core.StorageFS:
			cfg.FSRoot = t.path
		default:
			return cfg, fmt.Errorf("--path does not apply to the %s driver", cfg.Driver)
		}
	}
	if t.dsn != "" {
		cfg.PostgresDSN = t.dsn
	}
	cfg.CacheSize = 0
	return cfg, nil
}

func (t target) open(ctx context.Context) (*document.Store, error) {
	cfg, err := t.config()
	if err != nil {
		return nil, err
	}
	return core.OpenEntityStore(ctx, cfg)
}
