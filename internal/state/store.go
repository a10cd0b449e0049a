package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/episodesync/internal/episode"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Document is the whole persisted state tree, sectioned by source name.
type Document map[string]any

// Store persists the state document. Update is a load + deep merge + save;
// callers serialize concurrent updates against the same store (see WithLock).
type Store interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
	Update(ctx context.Context, partial Document) (Document, error)
}

// DeepMerge merges partial into a copy of base. Nested maps merge key by key;
// every other value in partial, lists included, replaces the base value.
func DeepMerge(base, partial Document) Document {
	merged := cloneDocument(base)
	if merged == nil {
		merged = Document{}
	}
	mergeInto(merged, partial)
	return merged
}

func mergeInto(dst map[string]any, src map[string]any) {
	for key, value := range src {
		incoming, incomingIsMap := asMap(value)
		current, currentIsMap := asMap(dst[key])
		if incomingIsMap && currentIsMap {
			next := episode.CloneMap(current)
			mergeInto(next, incoming)
			dst[key] = next
			continue
		}
		dst[key] = episode.CloneValue(normalizeValue(value))
	}
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case Document:
		return map[string]any(typed), true
	default:
		return nil, false
	}
}

func normalizeValue(value any) any {
	if doc, ok := value.(Document); ok {
		return map[string]any(doc)
	}
	return value
}

func cloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return Document(episode.CloneMap(map[string]any(doc)))
}

// updateWith implements Update for stores that only know Load and Save.
func updateWith(ctx context.Context, s Store, partial Document) (Document, error) {
	current, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	merged := DeepMerge(current, partial)
	if err := s.Save(ctx, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func encodeDocument(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decodeDocument(data []byte) (Document, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Section returns the named subtree, or an empty map when it is missing or
// not an object.
func Section(doc Document, name string) map[string]any {
	if m, ok := asMap(doc[name]); ok {
		return m
	}
	return map[string]any{}
}

func Map(m map[string]any, key string) map[string]any {
	if nested, ok := asMap(m[key]); ok {
		return nested
	}
	return map[string]any{}
}

func String(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func Int(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func Timestamp(now time.Time) string {
	return episode.FormatTime(now)
}
