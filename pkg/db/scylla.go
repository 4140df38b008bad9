package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Session struct {
	*gocql.Session
	Keyspace string
}

func NewSession(hosts []string, keyspace string, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cluster := newCluster(hosts)
	cluster.Keyspace = keyspace

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, errors.Wrapf(err, "connect to scylla keyspace %s", keyspace)
	}

	log.Info("connected to scylla", zap.Strings("hosts", hosts), zap.String("keyspace", keyspace))
	return &Session{Session: session, Keyspace: keyspace}, nil
}

func newCluster(hosts []string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(hosts...)
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster
}

// EnsureKeyspace creates keyspace with a single-replica simple strategy if
// it is missing. It connects without a keyspace.
func EnsureKeyspace(hosts []string, keyspace string) error {
	cluster := newCluster(hosts)
	cluster.Consistency = gocql.One
	session, err := cluster.CreateSession()
	if err != nil {
		return errors.Wrap(err, "connect to scylla")
	}
	defer session.Close()
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, keyspace)
	return errors.Wrap(session.Query(stmt).Exec(), "create keyspace")
}

// Schema lists the tables used by the record repository and the history API.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		kind text,
		channel_id text,
		created_at timestamp,
		id text,
		data text,
		updated_at timestamp,
		PRIMARY KEY ((kind, channel_id), created_at, id)
	) WITH CLUSTERING ORDER BY (created_at ASC, id ASC)`,
	`CREATE TABLE IF NOT EXISTS record_ids (
		id text PRIMARY KEY,
		kind text,
		channel_id text,
		created_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS channel_members (
		user_id text,
		channel_id text,
		last_updated timestamp,
		PRIMARY KEY (user_id, channel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS read_receipts (
		channel_id text,
		user_id text,
		last_read_message_id text,
		last_read_at timestamp,
		PRIMARY KEY (channel_id, user_id)
	)`,
}

// EnsureSchema creates every table in Schema.
func (s *Session) EnsureSchema() error {
	for _, stmt := range Schema {
		if err := s.Query(stmt).Exec(); err != nil {
			return errors.Wrap(err, "create table")
		}
	}
	return nil
}

// DropSchema removes every table in Schema. Used by the schema tool.
func (s *Session) DropSchema() error {
	for _, table := range []string{"records", "record_ids", "channel_members", "read_receipts"} {
		if err := s.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			return errors.Wrapf(err, "drop %s", table)
		}
	}
	return nil
}
