// Package storage implements the Postgres persistence layer: accounts and
// cursors, import sessions, raw records, canonical transactions, links, the
// price cache and the append-only override log.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/jbelanger/exitbook/logging"
)

// Store wraps one database handle. All mutating paths that pair a raw batch
// with a cursor advance go through WithTx so the two commit atomically.
type Store struct {
	db     *sql.DB
	logger *logging.ComponentLogger

	// Advisory locks are session-scoped, so each held lock pins the
	// connection it was acquired on until release.
	lockMu    sync.Mutex
	lockConns map[int64]*sql.Conn
}

// Open connects and pings. The DSN is any lib/pq connection string.
func Open(dsn string, logger *logging.ComponentLogger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres at %s: %w", RedactDSN(dsn), err)
	}
	logger.Info().Str("dsn", RedactDSN(dsn)).Msg("Connected to Postgres")
	return &Store{db: db, logger: logger, lockConns: make(map[int64]*sql.Conn)}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB, logger *logging.ComponentLogger) *Store {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{db: db, logger: logger, lockConns: make(map[int64]*sql.Conn)}
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for read-only streaming queries.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn in a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LockKeyFor hashes (accountID, operation) into the advisory lock keyspace.
func LockKeyFor(accountID, operation string) int64 {
	h := fnv.New64a()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	return int64(h.Sum64())
}

// TryImportLock takes the session-scoped advisory lock for one (account,
// operation) pair. A false return means another import holds it. The lock is
// acquired on a dedicated connection held open until ReleaseImportLock; going
// through the pool would let the unlock land on a different session and leak
// the lock for the connection's lifetime.
func (s *Store) TryImportLock(ctx context.Context, accountID, operation string) (bool, error) {
	key := LockKeyFor(accountID, operation)
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring import lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("acquiring import lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	s.lockMu.Lock()
	s.lockConns[key] = conn
	s.lockMu.Unlock()
	return true, nil
}

// ReleaseImportLock releases the advisory lock taken by TryImportLock on the
// same connection that acquired it, then returns that connection to the pool.
func (s *Store) ReleaseImportLock(ctx context.Context, accountID, operation string) error {
	key := LockKeyFor(accountID, operation)
	s.lockMu.Lock()
	conn, held := s.lockConns[key]
	delete(s.lockConns, key)
	s.lockMu.Unlock()
	if !held {
		return nil
	}
	defer conn.Close()
	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		return fmt.Errorf("releasing import lock: %w", err)
	}
	if !released {
		return fmt.Errorf("releasing import lock: key %d was not held by this session", key)
	}
	return nil
}

// RedactDSN strips credentials from a connection string for logging. Both
// URL-form and keyword-form lib/pq DSNs are understood.
func RedactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Host != "" {
		if u.User != nil {
			u.User = url.User(u.User.Username())
		}
		return u.Redacted()
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}
