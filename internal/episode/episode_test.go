package episode

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpisodeIDAndKey(t *testing.T) {
	ep := Episode{GroupID: "g1", Source: SourceGmail, NativeID: "m1", Version: "42"}
	assert.Equal(t, "gmail:m1:42", ep.EpisodeID())

	later := ep
	later.Version = "43"
	assert.NotEqual(t, ep.EpisodeID(), later.EpisodeID())
	assert.Equal(t, ep.Key(), later.Key())
}

func TestToPropertiesFlattensMetadata(t *testing.T) {
	validAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ep := Episode{
		GroupID:  "g1",
		Source:   SourceCalendar,
		NativeID: "e1",
		Version:  "2024-01-02T03:04:05Z",
		ValidAt:  validAt,
		JSON:     map[string]any{"cancelled": true},
		Metadata: map[string]any{"tombstone": true, "calendar_id": "primary"},
	}

	props, err := ep.ToProperties()
	require.NoError(t, err)

	assert.Equal(t, "calendar:e1:2024-01-02T03:04:05Z", props["episode_id"])
	assert.Equal(t, "2024-01-02T03:04:05Z", props["valid_at"])
	assert.Nil(t, props["invalid_at"])
	assert.NotContains(t, props, "text")

	var metadata map[string]any
	require.NoError(t, json.Unmarshal([]byte(props["metadata_json"].(string)), &metadata))
	assert.Equal(t, true, metadata["tombstone"])
	assert.Equal(t, "primary", metadata["calendar_id"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(props["json_data"].(string)), &payload))
	assert.Equal(t, true, payload["cancelled"])
}

func TestToPropertiesWithTextAndInvalidAt(t *testing.T) {
	invalidAt := time.Date(2024, 2, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	ep := Episode{
		GroupID:   "g1",
		Source:    SourceSlack,
		NativeID:  "C1:1.0",
		Version:   "1.0",
		InvalidAt: &invalidAt,
		Text:      StringPtr(""),
	}
	props, err := ep.ToProperties()
	require.NoError(t, err)
	assert.Equal(t, "", props["text"])
	assert.Equal(t, "2024-01-31T23:00:00Z", props["invalid_at"])
	assert.Equal(t, "{}", props["metadata_json"])
	assert.NotContains(t, props, "json_data")
}

func TestIsTombstone(t *testing.T) {
	assert.False(t, Episode{}.IsTombstone())
	assert.False(t, Episode{Metadata: map[string]any{"tombstone": "yes"}}.IsTombstone())
	assert.True(t, Episode{Metadata: map[string]any{"tombstone": true}}.IsTombstone())
}

func TestCloneIsDeep(t *testing.T) {
	ep := Episode{
		Text:     StringPtr("hello"),
		Metadata: map[string]any{"headers": map[string]any{"from": "a"}},
		JSON:     map[string]any{"list": []any{map[string]any{"k": "v"}}},
	}
	clone := ep.Clone()
	clone.Metadata["headers"].(map[string]any)["from"] = "b"
	clone.JSON["list"].([]any)[0].(map[string]any)["k"] = "changed"
	*clone.Text = "bye"

	assert.Equal(t, "a", ep.Metadata["headers"].(map[string]any)["from"])
	assert.Equal(t, "v", ep.JSON["list"].([]any)[0].(map[string]any)["k"])
	assert.Equal(t, "hello", *ep.Text)
}

func TestParseTime(t *testing.T) {
	cases := map[string]string{
		"2024-01-01T00:00:00Z":      "2024-01-01T00:00:00Z",
		"2024-01-01T00:00:00.123Z":  "2024-01-01T00:00:00.123Z",
		"2024-01-01T02:00:00+02:00": "2024-01-01T00:00:00Z",
		"2024-03-05":                "2024-03-05T00:00:00Z",
	}
	for raw, want := range cases {
		got, ok := ParseTime(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, FormatTime(got), raw)
	}
	_, ok := ParseTime("not a time")
	assert.False(t, ok)
	_, ok = ParseTime("")
	assert.False(t, ok)
}
