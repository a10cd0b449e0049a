package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/agentworkforce/episodesync/internal/episode"
)

const (
	badgerGroupPrefix   = "g:"
	badgerEpisodePrefix = "e:"
)

type BadgerOptions struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	Logger     badger.Logger
}

// BadgerSink keeps one key per group and one key per episode identity, the
// value being the episode's properties as JSON.
type BadgerSink struct {
	groupID string
	db      *badger.DB

	mu     sync.RWMutex
	closed bool
}

func NewBadgerSink(groupID string, opts BadgerOptions) (*BadgerSink, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Dir) == "" {
		return nil, ErrInvalidInput
	}
	badgerOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerSink{groupID: groupID, db: db}, nil
}

func (s *BadgerSink) GroupID() string {
	return s.groupID
}

func (s *BadgerSink) UpsertEpisode(ctx context.Context, ep episode.Episode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkGroup(s.groupID, ep); err != nil {
		return err
	}
	props, err := ep.ToProperties()
	if err != nil {
		return err
	}
	value, err := json.Marshal(props)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		groupKey := []byte(badgerGroupPrefix + ep.GroupID)
		if _, err := txn.Get(groupKey); err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(groupKey, []byte(ep.GroupID)); err != nil {
				return err
			}
		}
		return txn.Set(episodeKey(ep.GroupID, ep.Source, ep.NativeID), value)
	})
}

func (s *BadgerSink) LatestEpisode(ctx context.Context, source, nativeID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var props map[string]any
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(episodeKey(s.groupID, source, nativeID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &props)
		})
	})
	return props, err
}

// Count returns the number of stored episodes for the sink's group.
func (s *BadgerSink) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	count := 0
	prefix := []byte(badgerEpisodePrefix + s.groupID + "\x00")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *BadgerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func episodeKey(groupID, source, nativeID string) []byte {
	return []byte(badgerEpisodePrefix + episode.Key(groupID, source, nativeID))
}
