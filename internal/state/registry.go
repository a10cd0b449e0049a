package state

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Factory func(dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// BuildFromDSN resolves a state store. A bare path or file:// DSN names the
// state directory; an empty DSN selects DefaultDir.
func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewFileStore(DefaultDir()), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(ExpandHome(path)), nil
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state store scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
