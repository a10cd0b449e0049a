package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentworkforce/episodesync/internal/episode"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS episode_groups (
	group_id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS episodes (
	group_id TEXT NOT NULL,
	source TEXT NOT NULL,
	native_id TEXT NOT NULL,
	version TEXT NOT NULL,
	episode_id TEXT NOT NULL,
	valid_at TEXT NOT NULL,
	invalid_at TEXT,
	text TEXT,
	json_data TEXT,
	metadata_json TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (group_id, source, native_id)
);
CREATE INDEX IF NOT EXISTS episodes_source_valid_at ON episodes (group_id, source, valid_at);
`

// SQLiteSink stores episodes in a local SQLite database. Path ":memory:"
// keeps everything in process.
type SQLiteSink struct {
	groupID string
	path    string
	now     func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteSink(path, groupID string) (*SQLiteSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteSink{groupID: groupID, path: path, now: time.Now}, nil
}

func (s *SQLiteSink) GroupID() string {
	return s.groupID
}

func (s *SQLiteSink) UpsertEpisode(ctx context.Context, ep episode.Episode) error {
	if err := checkGroup(s.groupID, ep); err != nil {
		return err
	}
	props, err := ep.ToProperties()
	if err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stamp := episode.FormatTime(s.now())
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO episode_groups (group_id, created_at) VALUES (?, ?) ON CONFLICT (group_id) DO NOTHING",
		ep.GroupID, stamp); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(episodeColumns)+1), ", ")
	query := fmt.Sprintf(`
		INSERT INTO episodes (%s, updated_at) VALUES (%s)
		ON CONFLICT (group_id, source, native_id) DO UPDATE SET %s`,
		strings.Join(episodeColumns, ", "), placeholders, upsertAssignments("excluded"))
	args := append(columnValues(props), stamp)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert episode %s: %w", ep.EpisodeID(), err)
	}
	return tx.Commit()
}

func (s *SQLiteSink) LatestEpisode(ctx context.Context, source, nativeID string) (map[string]any, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM episodes WHERE group_id = ? AND source = ? AND native_id = ?",
		strings.Join(episodeColumns, ", "))
	return scanEpisode(s.db.QueryRowContext(ctx, query, s.groupID, source, nativeID))
}

func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteSink) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		if s.path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
				s.initErr = fmt.Errorf("create sqlite directory: %w", err)
				return
			}
		}
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			s.initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}
		// A single connection keeps ":memory:" databases shared and
		// serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("failed to create schema: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func upsertAssignments(excluded string) string {
	assignments := make([]string, 0, len(episodeColumns))
	for _, column := range episodeColumns[3:] {
		assignments = append(assignments, fmt.Sprintf("%s = %s.%s", column, excluded, column))
	}
	assignments = append(assignments, fmt.Sprintf("updated_at = %s.updated_at", excluded))
	return strings.Join(assignments, ", ")
}

func scanEpisode(row *sql.Row) (map[string]any, error) {
	scanned := make([]sql.NullString, len(episodeColumns))
	targets := make([]any, len(episodeColumns))
	for i := range scanned {
		targets[i] = &scanned[i]
	}
	if err := row.Scan(targets...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	values := make(map[string]*string, len(episodeColumns))
	for i, column := range episodeColumns {
		if scanned[i].Valid {
			value := scanned[i].String
			values[column] = &value
		}
	}
	return propertiesFromColumns(values), nil
}
