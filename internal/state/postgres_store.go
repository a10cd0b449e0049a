package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName   = "episodesync_state"
	postgresStateKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps the whole document in one row, keyed by state_key.
type PostgresStore struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresStateTableName,
		stateKey:  postgresStateKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (Document, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.load(ctx, s.db)
}

func (s *PostgresStore) Save(ctx context.Context, doc Document) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return s.save(ctx, s.db, doc)
}

// Update runs inside a transaction holding a row lock so concurrent writers
// on other hosts cannot interleave their merges.
func (s *PostgresStore) Update(ctx context.Context, partial Document) (Document, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	seed := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, '{}', NOW())
		ON CONFLICT (state_key) DO NOTHING`, postgresQuoteIdentifier(s.tableName))
	if _, err := tx.ExecContext(ctx, seed, s.stateKey); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1 FOR UPDATE", postgresQuoteIdentifier(s.tableName))
	var payload string
	if err := tx.QueryRowContext(ctx, query, s.stateKey).Scan(&payload); err != nil {
		return nil, err
	}
	current, err := decodeDocument([]byte(payload))
	if err != nil {
		return nil, err
	}
	merged := DeepMerge(current, partial)
	if err := s.save(ctx, tx, merged); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) load(ctx context.Context, q queryer) (Document, error) {
	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = $1", postgresQuoteIdentifier(s.tableName))
	var payload string
	err := q.QueryRowContext(ctx, query, s.stateKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument([]byte(payload))
}

func (s *PostgresStore) save(ctx context.Context, q queryer, doc Document) error {
	payload, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err = q.ExecContext(ctx, query, s.stateKey, string(payload))
	return err
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
