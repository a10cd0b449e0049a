package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	DefaultDirName = ".graphiti_sync"
	StateFileName  = "state.json"
	TokensFileName = "tokens.json"

	dirMode  os.FileMode = 0o700
	fileMode os.FileMode = 0o600
)

// FileStore keeps state.json and tokens.json in one owner-only directory.
type FileStore struct {
	Dir string

	mu sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: strings.TrimSpace(dir)}
}

// DefaultDir is ~/.graphiti_sync, falling back to the working directory when
// no home directory is available.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

func (s *FileStore) StatePath() string {
	return filepath.Join(s.Dir, StateFileName)
}

func (s *FileStore) TokensPath() string {
	return filepath.Join(s.Dir, TokensFileName)
}

func (s *FileStore) LockPath() string {
	return s.StatePath() + ".lock"
}

func (s *FileStore) EnsureDir() error {
	if s == nil || s.Dir == "" {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(s.Dir, dirMode); err != nil {
		return err
	}
	return os.Chmod(s.Dir, dirMode)
}

func (s *FileStore) Load(ctx context.Context) (Document, error) {
	if s == nil || s.Dir == "" {
		return nil, ErrInvalidInput
	}
	return readDocument(s.StatePath())
}

func (s *FileStore) Save(ctx context.Context, doc Document) error {
	if s == nil || s.Dir == "" {
		return ErrInvalidInput
	}
	if err := s.EnsureDir(); err != nil {
		return err
	}
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.StatePath(), data, fileMode)
}

func (s *FileStore) Update(ctx context.Context, partial Document) (Document, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateWith(ctx, s, partial)
}

func (s *FileStore) LoadTokens() (map[string]any, error) {
	if s == nil || s.Dir == "" {
		return nil, ErrInvalidInput
	}
	doc, err := readDocument(s.TokensPath())
	if err != nil {
		return nil, err
	}
	return map[string]any(doc), nil
}

func (s *FileStore) SaveTokens(tokens map[string]any) error {
	if s == nil || s.Dir == "" {
		return ErrInvalidInput
	}
	if err := s.EnsureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.TokensPath(), append(data, '\n'), fileMode)
}

func readDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, nil
		}
		return nil, err
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
