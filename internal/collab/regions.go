package collab

import (
	"sort"
	"sync"
	"sync/atomic"
)

// partition is an immutable region table. Never mutate after publication.
type partition struct {
	byRegion map[string][]int64
	byUser   map[int64]string
}

// RegionTable maps region tags to their members. Assign swaps in a new
// partition that shares every untouched region slice with the old one.
type RegionTable struct {
	mu   sync.Mutex
	part atomic.Pointer[partition]
}

func NewRegionTable() *RegionTable {
	t := &RegionTable{}
	t.part.Store(&partition{
		byRegion: map[string][]int64{},
		byUser:   map[int64]string{},
	})
	return t
}

// Region returns the user's tag, or "" while unknown.
func (t *RegionTable) Region(userID int64) string {
	return t.part.Load().byUser[userID]
}

// Members returns the users sharing region, ordered by id. The unknown
// region has no members: unresolved users only see themselves.
func (t *RegionTable) Members(region string) []int64 {
	if region == "" {
		return nil
	}
	return t.part.Load().byRegion[region]
}

// Assign records the user's region. Only the old and new region member
// lists are rebuilt.
func (t *RegionTable) Assign(userID int64, region string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.part.Load()
	old := cur.byUser[userID]
	if old == region {
		return
	}

	next := &partition{
		byRegion: make(map[string][]int64, len(cur.byRegion)+1),
		byUser:   make(map[int64]string, len(cur.byUser)+1),
	}
	for r, members := range cur.byRegion {
		next.byRegion[r] = members
	}
	for u, r := range cur.byUser {
		next.byUser[u] = r
	}

	if old != "" {
		next.byRegion[old] = without(cur.byRegion[old], userID)
		if len(next.byRegion[old]) == 0 {
			delete(next.byRegion, old)
		}
	}
	if region == "" {
		delete(next.byUser, userID)
	} else {
		next.byUser[userID] = region
		next.byRegion[region] = withSorted(cur.byRegion[region], userID)
	}
	t.part.Store(next)
}

// Regions lists known region tags.
func (t *RegionTable) Regions() []string {
	p := t.part.Load()
	out := make([]string, 0, len(p.byRegion))
	for r := range p.byRegion {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func without(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func withSorted(ids []int64, id int64) []int64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	out := make([]int64, 0, len(ids)+1)
	out = append(out, ids[:i]...)
	out = append(out, id)
	out = append(out, ids[i:]...)
	return out
}
