package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/episodesync/internal/episode"
)

var (
	ErrGroupMismatch = errors.New("episode group does not match sink group")
	ErrNotFound      = errors.New("episode not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrClosed        = errors.New("sink closed")
)

// Sink receives normalized episodes. Upserts overwrite by
// (group_id, source, native_id); the version only labels the revision.
type Sink interface {
	GroupID() string
	UpsertEpisode(ctx context.Context, ep episode.Episode) error
}

// Reader is implemented by sinks that can return the stored properties of
// the latest upserted version.
type Reader interface {
	LatestEpisode(ctx context.Context, source, nativeID string) (map[string]any, error)
}

func checkGroup(groupID string, ep episode.Episode) error {
	if ep.GroupID != groupID {
		return fmt.Errorf("%w: episode %s has group %q, sink has %q", ErrGroupMismatch, ep.EpisodeID(), ep.GroupID, groupID)
	}
	return nil
}

// episodeColumns is the column order shared by the SQL sinks.
var episodeColumns = []string{
	"group_id", "source", "native_id", "version", "episode_id",
	"valid_at", "invalid_at", "text", "json_data", "metadata_json",
}

func columnValues(props map[string]any) []any {
	values := make([]any, len(episodeColumns))
	for i, column := range episodeColumns {
		values[i] = props[column]
	}
	return values
}

// propertiesFromColumns rebuilds a ToProperties-shaped map from scanned
// columns, leaving out text and json_data when they were NULL.
func propertiesFromColumns(values map[string]*string) map[string]any {
	props := map[string]any{}
	for _, column := range episodeColumns {
		value := values[column]
		switch {
		case value != nil:
			props[column] = *value
		case column == "invalid_at":
			props[column] = nil
		}
	}
	return props
}
