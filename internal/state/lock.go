package state

import (
	"context"
	"sync"
	"time"
)

// Locker is implemented by stores that can take a cross-process lock on
// their backing file.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

const lockPollInterval = 50 * time.Millisecond

var storeMutexes sync.Map

// WithLock runs fn while holding the in-process mutex for store and, when the
// store implements Locker, its file lock. Poller runs sharing a state file
// go through here so their read-modify-write cycles never interleave.
func WithLock(ctx context.Context, store Store, fn func(ctx context.Context) error) error {
	value, _ := storeMutexes.LoadOrStore(store, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if locker, ok := store.(Locker); ok {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			return err
		}
		defer unlock()
	}
	return fn(ctx)
}

func (s *FileStore) Lock(ctx context.Context) (func(), error) {
	if s == nil || s.Dir == "" {
		return nil, ErrInvalidInput
	}
	if err := s.EnsureDir(); err != nil {
		return nil, err
	}
	return lockFile(ctx, s.LockPath())
}
