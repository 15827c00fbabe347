package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

// MemorySource is an in-process Source. Every Put assigns the next version.
type MemorySource struct {
	mu      sync.RWMutex
	tracks  map[int64]domain.Track
	version int64
}

func NewMemorySource(tracks ...domain.Track) *MemorySource {
	s := &MemorySource{tracks: make(map[int64]domain.Track)}
	s.Put(tracks...)
	return s
}

func (s *MemorySource) Put(tracks ...domain.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tracks {
		s.version++
		t.Version = s.version
		s.tracks[t.ID] = t
	}
}

// Delete records a tombstone for id.
func (s *MemorySource) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[id]
	if !ok {
		return
	}
	s.version++
	t.Version = s.version
	t.Deleted = true
	s.tracks[id] = t
}

func (s *MemorySource) GetTrack(_ context.Context, id int64) (domain.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[id]
	if !ok || t.Deleted {
		return domain.Track{}, domain.ErrTrackNotFound
	}
	return t, nil
}

func (s *MemorySource) ListCatalogChangesSince(_ context.Context, version int64) ([]domain.Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Track
	for _, t := range s.tracks {
		if t.Version > version {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
