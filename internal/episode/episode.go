package episode

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	SourceGmail    = "gmail"
	SourceDrive    = "gdrive"
	SourceCalendar = "calendar"
	SourceSlack    = "slack"
	SourceMCP      = "mcp"
)

// ProcessingKey holds redaction and summarisation provenance inside metadata.
const ProcessingKey = "graphiti_processing"

// TimeLayout is used for every timestamp written into properties and state.
const TimeLayout = time.RFC3339Nano

// Episode is the normalized unit every poller emits. Identity is
// (GroupID, Source, NativeID); Version only labels the revision.
type Episode struct {
	GroupID   string
	Source    string
	NativeID  string
	Version   string
	ValidAt   time.Time
	InvalidAt *time.Time
	Text      *string
	JSON      map[string]any
	Metadata  map[string]any
}

func (e Episode) EpisodeID() string {
	return e.Source + ":" + e.NativeID + ":" + e.Version
}

// Key is the overwrite key used by sinks.
func (e Episode) Key() string {
	return Key(e.GroupID, e.Source, e.NativeID)
}

func Key(groupID, source, nativeID string) string {
	return groupID + "\x00" + source + "\x00" + nativeID
}

func (e Episode) IsTombstone() bool {
	flag, _ := e.Metadata["tombstone"].(bool)
	return flag
}

// ToProperties flattens the episode into a persistence-ready map. Metadata
// and JSON payloads are encoded as strings so the top level stays flat.
func (e Episode) ToProperties() (map[string]any, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for %s: %w", e.EpisodeID(), err)
	}
	props := map[string]any{
		"group_id":      e.GroupID,
		"source":        e.Source,
		"native_id":     e.NativeID,
		"version":       e.Version,
		"episode_id":    e.EpisodeID(),
		"valid_at":      FormatTime(e.ValidAt),
		"invalid_at":    nil,
		"metadata_json": string(metadataJSON),
	}
	if e.InvalidAt != nil {
		props["invalid_at"] = FormatTime(*e.InvalidAt)
	}
	if e.Text != nil {
		props["text"] = *e.Text
	}
	if e.JSON != nil {
		payload, err := json.Marshal(e.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode json payload for %s: %w", e.EpisodeID(), err)
		}
		props["json_data"] = string(payload)
	}
	return props, nil
}

// Clone returns a copy whose metadata and JSON maps can be mutated freely.
func (e Episode) Clone() Episode {
	out := e
	if e.InvalidAt != nil {
		t := *e.InvalidAt
		out.InvalidAt = &t
	}
	if e.Text != nil {
		s := *e.Text
		out.Text = &s
	}
	out.JSON = CloneMap(e.JSON)
	out.Metadata = CloneMap(e.Metadata)
	return out
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts RFC 3339 timestamps as returned by Google APIs, with or
// without fractional seconds. It returns false for anything else.
func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func StringPtr(s string) *string {
	return &s
}

// CloneMap deep-copies nested maps and slices of a loosely typed payload.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

func CloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	case []map[string]any:
		out := make([]map[string]any, len(typed))
		for i, item := range typed {
			out[i] = CloneMap(item)
		}
		return out
	default:
		return v
	}
}
