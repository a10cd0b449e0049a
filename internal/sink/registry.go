package sink

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/agentworkforce/episodesync/internal/state"
)

type Factory func(dsn, groupID string) (Sink, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

// BuildOptions carries settings that do not fit in a DSN.
type BuildOptions struct {
	// Token authenticates websocket sinks.
	Token string
}

// BuildFromDSN resolves a sink for groupID. Supported schemes: memory://,
// sqlite://<path>, badger://<dir> (badger://memory for an in-memory db),
// postgres://, ws:// and wss://.
func BuildFromDSN(dsn, groupID string) (Sink, error) {
	return Build(dsn, groupID, BuildOptions{})
}

func Build(dsn, groupID string, opts BuildOptions) (Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty sink dsn", ErrInvalidInput)
	}
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return nil, fmt.Errorf("%w: sink dsn %q has no scheme", ErrInvalidInput, dsn)
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, groupID)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemorySink(groupID), nil
	case "sqlite", "sqlite3":
		return NewSQLiteSink(state.ExpandHome(rest), groupID)
	case "badger":
		if rest == "memory" || rest == ":memory:" {
			return NewBadgerSink(groupID, BadgerOptions{InMemory: true})
		}
		return NewBadgerSink(groupID, BadgerOptions{Dir: state.ExpandHome(rest)})
	case "postgres", "postgresql":
		return NewPostgresSink(dsn, groupID)
	case "ws", "wss":
		return NewWebsocketSink(dsn, groupID, WebsocketOptions{Token: opts.Token})
	default:
		return nil, fmt.Errorf("unsupported sink scheme: %s", scheme)
	}
}

// Close closes s when it holds resources.
func Close(s Sink) error {
	if closer, ok := s.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
