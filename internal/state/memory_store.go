package state

import (
	"context"
	"encoding/json"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (Document, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *MemoryStore) Save(ctx context.Context, doc Document) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

func (s *MemoryStore) Update(ctx context.Context, partial Document) (Document, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	merged := DeepMerge(current, partial)
	if err := s.saveLocked(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *MemoryStore) loadLocked() (Document, error) {
	if s.snapshot == nil {
		return Document{}, nil
	}
	return decodeDocument(s.snapshot)
}

func (s *MemoryStore) saveLocked(doc Document) error {
	if doc == nil {
		doc = Document{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.snapshot = data
	return nil
}
