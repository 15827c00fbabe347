// Package catalog keeps the engine's versioned, read-only projection of the
// track catalog and feeds changes into the feature extractor and index.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/features"
	"github.com/actuallystonmai/track-recommender/internal/index"
)

// Source is the pull-based catalog collaborator.
type Source interface {
	GetTrack(ctx context.Context, id int64) (domain.Track, error)
	ListCatalogChangesSince(ctx context.Context, version int64) ([]domain.Track, error)
}

// DefaultSyncOverlap is how many versions below the cursor every Sync
// re-reads. Source versions are handed out before their transaction
// commits, so a change can become visible after a higher version already
// has.
const DefaultSyncOverlap = 1000

type Catalog struct {
	source    Source
	extractor *features.Extractor
	index     index.ContentIndex
	logger    zerolog.Logger
	overlap   int64

	mu     sync.Mutex // serializes Apply and Sync
	cursor atomic.Int64
	seen   map[int64]int64 // track id -> highest applied source version
}

func New(source Source, extractor *features.Extractor, idx index.ContentIndex, logger zerolog.Logger) *Catalog {
	return &Catalog{
		source:    source,
		extractor: extractor,
		index:     idx,
		logger:    logger.With().Str("component", "catalog").Logger(),
		overlap:   DefaultSyncOverlap,
		seen:      make(map[int64]int64),
	}
}

// WithSyncOverlap sets how far below the cursor Sync re-reads.
func (c *Catalog) WithSyncOverlap(n int64) *Catalog {
	if n >= 0 {
		c.overlap = n
	}
	return c
}

func (c *Catalog) Index() index.ContentIndex { return c.index }

// Version identifies the current catalog state. It advances on every applied
// change batch and is part of every recommendation cache key.
func (c *Catalog) Version() uint64 {
	return c.extractor.Snapshot().Version
}

// Cursor is the highest source version pulled so far.
func (c *Catalog) Cursor() int64 {
	return c.cursor.Load()
}

// Apply folds a batch of changed tracks into the projection. Tombstoned
// tracks are removed from the index. The sync cursor is left untouched.
// It reports how many tracks were newer than what the projection holds.
func (c *Catalog) Apply(tracks ...domain.Track) int {
	if len(tracks) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(tracks, false)
}

// applyLocked drops any track whose source version is not above the one
// already applied for its id, so replayed or stale rows are no-ops.
// Unversioned tracks always apply. Only batches pulled by Sync move the
// cursor so a lazily fetched track never skips intermediate changes.
func (c *Catalog) applyLocked(tracks []domain.Track, advance bool) int {
	fresh := make([]domain.Track, 0, len(tracks))
	for _, t := range tracks {
		if advance && t.Version > c.cursor.Load() {
			c.cursor.Store(t.Version)
		}
		if t.Version > 0 {
			if v, ok := c.seen[t.ID]; ok && t.Version <= v {
				continue
			}
			c.seen[t.ID] = t.Version
		}
		fresh = append(fresh, t)
	}
	if len(fresh) == 0 {
		return 0
	}

	c.extractor.Observe(fresh...)
	for _, t := range fresh {
		if t.Deleted {
			c.index.Remove(t.ID)
		} else {
			c.index.Upsert(t)
		}
	}
	return len(fresh)
}

// Sync pulls every change since the cursor, less the overlap window, and
// applies the ones not seen yet. It returns how many were applied.
func (c *Catalog) Sync(ctx context.Context) (int, error) {
	if c.source == nil {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	since := max(c.cursor.Load()-c.overlap, 0)
	changes, err := c.source.ListCatalogChangesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list catalog changes since %d: %w", since, err)
	}
	if len(changes) == 0 {
		return 0, nil
	}
	n := c.applyLocked(changes, true)
	if n == 0 {
		return 0, nil
	}

	c.logger.Debug().
		Int("changes", n).
		Int("replayed", len(changes)-n).
		Int64("cursor", c.cursor.Load()).
		Uint64("version", c.Version()).
		Msg("catalog synced")
	return n, nil
}

// Track resolves a track from the projection, falling back to the source for
// tracks the projection has not seen yet.
func (c *Catalog) Track(ctx context.Context, id int64) (domain.Track, error) {
	if t, ok := c.index.Get(id); ok {
		return t, nil
	}
	if c.source == nil {
		return domain.Track{}, domain.TrackNotFound(id)
	}

	t, err := c.source.GetTrack(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrTrackNotFound) {
			return domain.Track{}, domain.TrackNotFound(id)
		}
		return domain.Track{}, fmt.Errorf("get track id=%d: %w", id, err)
	}
	if t.Deleted {
		return domain.Track{}, domain.TrackNotFound(id)
	}
	if c.Apply(t) == 0 {
		// a concurrent Sync already holds this version or a newer one
		if cur, ok := c.index.Get(id); ok {
			return cur, nil
		}
		return domain.Track{}, domain.TrackNotFound(id)
	}
	return t, nil
}

// VectorAt satisfies the interaction store's vectorizer.
func (c *Catalog) VectorAt(id int64, snap *features.Snapshot) (features.Vector, bool) {
	return c.index.VectorAt(id, snap)
}

func (c *Catalog) Snapshot() *features.Snapshot {
	return c.extractor.Snapshot()
}

func (c *Catalog) Len() int {
	return c.index.Len()
}
