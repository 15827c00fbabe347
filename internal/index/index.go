// Package index answers nearest-neighbor queries over track feature vectors.
package index

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/features"
)

// Neighbor is one result of a nearest-content query.
type Neighbor struct {
	TrackID    int64   `json:"track_id"`
	Similarity float64 `json:"similarity"`
	PlayCount  int64   `json:"-"`
}

// ContentIndex is implemented by any nearest-neighbor structure over track
// vectors. Callers never depend on the brute-force scan directly.
type ContentIndex interface {
	Upsert(t domain.Track)
	Remove(id int64)
	Get(id int64) (domain.Track, bool)
	// VectorAt returns the vector of id under snap.
	VectorAt(id int64, snap *features.Snapshot) (features.Vector, bool)
	// Nearest returns up to k tracks ordered by similarity to seed, skipping
	// excludeID and any id for which skip returns true.
	Nearest(seed features.Vector, snap *features.Snapshot, excludeID int64, k int, skip func(int64) bool) []Neighbor
	Tracks() []domain.Track
	Len() int
}

type cachedVector struct {
	version uint64
	values  features.Vector
}

// entry is replaced wholesale on Upsert; only its vector cache mutates.
type entry struct {
	track domain.Track
	vec   atomic.Pointer[cachedVector]
}

// BruteForce scans every entry per query. Writers are serialized by mu;
// readers never take it.
type BruteForce struct {
	mu      sync.Mutex
	entries sync.Map // int64 -> *entry
	size    atomic.Int64
}

func NewBruteForce() *BruteForce {
	return &BruteForce{}
}

var _ ContentIndex = (*BruteForce)(nil)

func (b *BruteForce) Upsert(t domain.Track) {
	if t.Deleted {
		b.Remove(t.ID)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, loaded := b.entries.Swap(t.ID, &entry{track: t}); !loaded {
		b.size.Add(1)
	}
}

func (b *BruteForce) Remove(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, loaded := b.entries.LoadAndDelete(id); loaded {
		b.size.Add(-1)
	}
}

func (b *BruteForce) Get(id int64) (domain.Track, bool) {
	e, ok := b.load(id)
	if !ok {
		return domain.Track{}, false
	}
	return e.track, true
}

func (b *BruteForce) VectorAt(id int64, snap *features.Snapshot) (features.Vector, bool) {
	e, ok := b.load(id)
	if !ok {
		return nil, false
	}
	return e.vectorAt(snap), true
}

func (b *BruteForce) Len() int {
	return int(b.size.Load())
}

// Tracks returns every indexed track ordered by id.
func (b *BruteForce) Tracks() []domain.Track {
	out := make([]domain.Track, 0, b.Len())
	b.entries.Range(func(_, v any) bool {
		out = append(out, v.(*entry).track)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *BruteForce) Nearest(seed features.Vector, snap *features.Snapshot, excludeID int64, k int, skip func(int64) bool) []Neighbor {
	if k <= 0 {
		return nil
	}
	var out []Neighbor
	b.entries.Range(func(key, v any) bool {
		id := key.(int64)
		if id == excludeID || (skip != nil && skip(id)) {
			return true
		}
		e := v.(*entry)
		out = append(out, Neighbor{
			TrackID:    id,
			Similarity: features.Cosine(seed, e.vectorAt(snap)),
			PlayCount:  e.track.PlayCount,
		})
		return true
	})
	SortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (b *BruteForce) load(id int64) (*entry, bool) {
	v, ok := b.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// vectorAt re-extracts lazily when the cached vector predates snap.
func (e *entry) vectorAt(snap *features.Snapshot) features.Vector {
	cur := e.vec.Load()
	if cur != nil && cur.version == snap.Version {
		return cur.values
	}
	fresh := &cachedVector{version: snap.Version, values: features.Extract(snap, e.track)}
	if cur == nil || cur.version < snap.Version {
		e.vec.CompareAndSwap(cur, fresh)
	}
	return fresh.values
}

// SortNeighbors orders by similarity desc, play count desc, then id asc.
func SortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Similarity != ns[j].Similarity {
			return ns[i].Similarity > ns[j].Similarity
		}
		if ns[i].PlayCount != ns[j].PlayCount {
			return ns[i].PlayCount > ns[j].PlayCount
		}
		return ns[i].TrackID < ns[j].TrackID
	})
}
