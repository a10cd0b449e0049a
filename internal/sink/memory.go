package sink

import (
	"context"
	"sync"

	"github.com/agentworkforce/episodesync/internal/episode"
)

type MemorySink struct {
	groupID string

	mu       sync.Mutex
	groups   map[string]struct{}
	latest   map[string]episode.Episode
	props    map[string]map[string]any
	upserted []episode.Episode
}

func NewMemorySink(groupID string) *MemorySink {
	return &MemorySink{
		groupID: groupID,
		groups:  map[string]struct{}{},
		latest:  map[string]episode.Episode{},
		props:   map[string]map[string]any{},
	}
}

func (s *MemorySink) GroupID() string {
	return s.groupID
}

func (s *MemorySink) UpsertEpisode(ctx context.Context, ep episode.Episode) error {
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
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[ep.GroupID] = struct{}{}
	s.latest[ep.Key()] = ep.Clone()
	s.props[ep.Key()] = props
	s.upserted = append(s.upserted, ep.Clone())
	return nil
}

func (s *MemorySink) LatestEpisode(ctx context.Context, source, nativeID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	props, ok := s.props[episode.Key(s.groupID, source, nativeID)]
	if !ok {
		return nil, ErrNotFound
	}
	return episode.CloneMap(props), nil
}

// Upserted returns every upsert in call order.
func (s *MemorySink) Upserted() []episode.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]episode.Episode, len(s.upserted))
	for i, ep := range s.upserted {
		out[i] = ep.Clone()
	}
	return out
}

// Episode returns the latest stored version for the given identity.
func (s *MemorySink) Episode(source, nativeID string) (episode.Episode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.latest[episode.Key(s.groupID, source, nativeID)]
	if !ok {
		return episode.Episode{}, false
	}
	return ep.Clone(), true
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.latest)
}

func (s *MemorySink) HasGroup(groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[groupID]
	return ok
}
