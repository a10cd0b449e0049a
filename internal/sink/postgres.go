package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/episodesync/internal/episode"
)

const (
	postgresGroupsTable      = "episodesync_groups"
	postgresEpisodesTable    = "episodesync_episodes"
	postgresOperationTimeout = 10 * time.Second
)

type PostgresSink struct {
	groupID       string
	dsn           string
	groupsTable   string
	episodesTable string
	openDB        func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSink(dsn, groupID string) (*PostgresSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSink{
		groupID:       groupID,
		dsn:           dsn,
		groupsTable:   postgresGroupsTable,
		episodesTable: postgresEpisodesTable,
		openDB:        sql.Open,
	}, nil
}

func (s *PostgresSink) GroupID() string {
	return s.groupID
}

func (s *PostgresSink) UpsertEpisode(ctx context.Context, ep episode.Episode) error {
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
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	groupQuery := fmt.Sprintf(`
		INSERT INTO %s (group_id, created_at) VALUES ($1, NOW())
		ON CONFLICT (group_id) DO NOTHING`, quoteIdentifier(s.groupsTable))
	if _, err := tx.ExecContext(ctx, groupQuery, ep.GroupID); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	placeholders := make([]string, len(episodeColumns))
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, updated_at) VALUES (%s, NOW())
		ON CONFLICT (group_id, source, native_id) DO UPDATE SET %s`,
		quoteIdentifier(s.episodesTable), strings.Join(episodeColumns, ", "),
		strings.Join(placeholders, ", "), strings.Replace(upsertAssignments("EXCLUDED"), "EXCLUDED.updated_at", "NOW()", 1))
	if _, err := tx.ExecContext(ctx, query, columnValues(props)...); err != nil {
		return fmt.Errorf("upsert episode %s: %w", ep.EpisodeID(), err)
	}
	return tx.Commit()
}

func (s *PostgresSink) LatestEpisode(ctx context.Context, source, nativeID string) (map[string]any, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT %s FROM %s WHERE group_id = $1 AND source = $2 AND native_id = $3",
		strings.Join(episodeColumns, ", "), quoteIdentifier(s.episodesTable))
	return scanEpisode(s.db.QueryRowContext(ctx, query, s.groupID, source, nativeID))
}

func (s *PostgresSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresSink) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					group_id TEXT PRIMARY KEY,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, quoteIdentifier(s.groupsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
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
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (group_id, source, native_id)
				)`, quoteIdentifier(s.episodesTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
