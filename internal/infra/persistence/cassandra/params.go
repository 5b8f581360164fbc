package cassandra

import (
	"strings"
	"time"

	"github.com/gocql/gocql"
)

const (
	// DefaultPort is the CQL native transport port.
	DefaultPort     = 9042
	defaultKeyspace = "entitycore"
	// SimpleReplication suits single data center and test clusters.
	SimpleReplication = "{ 'class' : 'SimpleStrategy', 'replication_factor' : 1 }"
	defaultTimeout    = 10 * time.Second
	visitPageSize     = 500
)

// Params configures the cluster connection.
type Params struct {
	// Comma separated list of hosts
	Hosts        string
	Port         int
	Username     string
	Pwd          string
	ProtoVersion int
	CQLVersion   string
	NumRetries   int
	DC           string
	Keyspace     string
	// e.g. "{ 'class' : 'SimpleStrategy', 'replication_factor' : 1 }"
	KeyspaceWithReplication string
	// Consistency for reads and writes, e.g. "QUORUM" or "LOCAL_QUORUM".
	Consistency string
}

func (p Params) cqlVersion() string {
	if p.CQLVersion == "" {
		return "3.0.0"
	}
	return p.CQLVersion
}

func (p Params) keyspace() string {
	if p.Keyspace == "" {
		return defaultKeyspace
	}
	return p.Keyspace
}

func (p Params) replication() string {
	if p.KeyspaceWithReplication == "" {
		return SimpleReplication
	}
	return p.KeyspaceWithReplication
}

func (p Params) hosts() []string {
	var out []string
	for _, h := range strings.Split(p.Hosts, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// newCluster builds the cluster configuration without connecting.
func newCluster(p Params) (*gocql.ClusterConfig, error) {
	consistency := gocql.Quorum
	if p.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(p.Consistency)
		if err != nil {
			return nil, err
		}
		consistency = c
	}
	cluster := gocql.NewCluster(p.hosts()...)
	cluster.Port = DefaultPort
	if p.Port > 0 {
		cluster.Port = p.Port
	}
	cluster.Consistency = consistency
	cluster.SerialConsistency = gocql.Serial
	cluster.CQLVersion = p.cqlVersion()
	cluster.Timeout = defaultTimeout
	cluster.ConnectTimeout = defaultTimeout
	if p.ProtoVersion > 0 {
		cluster.ProtoVersion = p.ProtoVersion
	}
	if p.NumRetries > 0 {
		cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: p.NumRetries}
	}
	if p.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: p.Username, Password: p.Pwd}
	}
	if p.DC != "" {
		cluster.PoolConfig.HostSelectionPolicy = gocql.DCAwareRoundRobinPolicy(p.DC)
	}
	return cluster, nil
}
