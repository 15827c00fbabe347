// Package interactions holds the append-only interaction log and its derived
// state: the clamped user-track weight matrix and per-user profile vectors.
//
// Every user owns a separate lock, so writes for different users never
// contend. Profiles are caches stamped with the catalog snapshot version and
// are updated incrementally on append or rebuilt lazily after a catalog change.
package interactions

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/features"
)

// Vectorizer resolves track vectors under a given snapshot.
type Vectorizer interface {
	Snapshot() *features.Snapshot
	VectorAt(id int64, snap *features.Snapshot) (features.Vector, bool)
}

// Update describes the effect of one Append.
type Update struct {
	Seq       uint64
	OldWeight float64
	NewWeight float64
	Duplicate bool
}

// Entry is one non-empty cell of the weight matrix.
type Entry struct {
	TrackID int64
	Weight  float64
}

type dedupKey struct {
	trackID int64
	kind    domain.InteractionKind
	ts      int64
}

type preference struct {
	kind domain.InteractionKind
	ts   time.Time
	seq  uint64
}

type profileCache struct {
	version uint64
	vec     features.Vector
}

type userState struct {
	mu      sync.RWMutex
	log     []domain.Interaction
	seen    map[dedupKey]uint64
	weights map[int64]float64
	prefs   map[int64]preference
	profile atomic.Pointer[profileCache]
}

type trackState struct {
	count atomic.Int64
	mu    sync.RWMutex
	users map[int64]struct{}
}

type Store struct {
	vectors Vectorizer
	seq     atomic.Uint64
	users   sync.Map // int64 -> *userState
	tracks  sync.Map // int64 -> *trackState
}

func NewStore(vectors Vectorizer) *Store {
	return &Store{vectors: vectors}
}

func (s *Store) userState(id int64) *userState {
	if v, ok := s.users.Load(id); ok {
		return v.(*userState)
	}
	v, _ := s.users.LoadOrStore(id, &userState{
		seen:    make(map[dedupKey]uint64),
		weights: make(map[int64]float64),
		prefs:   make(map[int64]preference),
	})
	return v.(*userState)
}

func (s *Store) trackState(id int64) *trackState {
	if v, ok := s.tracks.Load(id); ok {
		return v.(*trackState)
	}
	v, _ := s.tracks.LoadOrStore(id, &trackState{users: make(map[int64]struct{})})
	return v.(*trackState)
}

func (s *Store) lookup(userID int64) (*userState, bool) {
	v, ok := s.users.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*userState), true
}

// Append records in. A tuple already seen for the user returns the original
// sequence number and leaves every weight untouched.
func (s *Store) Append(in domain.Interaction) (Update, error) {
	if !in.Kind.Valid() {
		return Update{}, fmt.Errorf("%w: interaction kind %q", domain.ErrInvalidArgument, in.Kind)
	}
	if in.UserID <= 0 || in.TrackID <= 0 {
		return Update{}, fmt.Errorf("%w: user and track ids must be positive", domain.ErrInvalidArgument)
	}

	st := s.userState(in.UserID)
	st.mu.Lock()
	defer st.mu.Unlock()

	key := dedupKey{trackID: in.TrackID, kind: in.Kind, ts: in.Timestamp.UnixNano()}
	if seq, ok := st.seen[key]; ok {
		w := st.weights[in.TrackID]
		return Update{Seq: seq, OldWeight: w, NewWeight: w, Duplicate: true}, nil
	}

	in.Seq = s.seq.Add(1)
	st.seen[key] = in.Seq
	st.log = append(st.log, in)

	old, existed := st.weights[in.TrackID]
	next := domain.ClampWeight(old + in.Kind.Weight())
	st.weights[in.TrackID] = next

	if in.Kind.IsPreference() {
		p, ok := st.prefs[in.TrackID]
		if !ok || !in.Timestamp.Before(p.ts) {
			st.prefs[in.TrackID] = preference{kind: in.Kind, ts: in.Timestamp, seq: in.Seq}
		}
	}

	if delta := next - old; delta != 0 {
		s.applyProfileDelta(st, in.TrackID, delta)
	}

	ts := s.trackState(in.TrackID)
	ts.count.Add(1)
	if !existed {
		ts.mu.Lock()
		ts.users[in.UserID] = struct{}{}
		ts.mu.Unlock()
	}

	return Update{Seq: in.Seq, OldWeight: old, NewWeight: next}, nil
}

// applyProfileDelta must be called with st.mu held for writing.
func (s *Store) applyProfileDelta(st *userState, trackID int64, delta float64) {
	snap := s.vectors.Snapshot()
	cur := st.profile.Load()
	if cur == nil && len(st.weights) == 1 {
		cur = &profileCache{version: snap.Version, vec: make(features.Vector, snap.Dims())}
	}
	if cur == nil || cur.version != snap.Version {
		return
	}
	vec, ok := s.vectors.VectorAt(trackID, snap)
	if !ok {
		st.profile.Store(nil)
		return
	}
	next := features.AddScaled(cur.vec, vec, delta)
	if next == nil {
		st.profile.Store(nil)
		return
	}
	st.profile.Store(&profileCache{version: snap.Version, vec: next})
}

// Profile returns the user's profile vector under the current snapshot.
func (s *Store) Profile(userID int64) (features.Vector, bool) {
	return s.ProfileAt(userID, s.vectors.Snapshot())
}

// ProfileAt returns sum(weight * vector) over the user's matrix entries,
// computed under snap. Tracks missing from the catalog contribute nothing.
func (s *Store) ProfileAt(userID int64, snap *features.Snapshot) (features.Vector, bool) {
	st, ok := s.lookup(userID)
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	cur := st.profile.Load()
	if cur != nil && cur.version == snap.Version {
		return cur.vec, true
	}

	vec := s.sumLocked(st, snap, 0)

	fresh := &profileCache{version: snap.Version, vec: vec}
	if cur == nil || cur.version < snap.Version {
		st.profile.CompareAndSwap(cur, fresh)
	}
	return vec, true
}

// ProfileWithout is the user's profile with trackID's entry left out. It is
// summed from scratch, so the result does not depend on that entry's weight
// down to the last bit.
func (s *Store) ProfileWithout(userID, trackID int64, snap *features.Snapshot) (features.Vector, bool) {
	st, ok := s.lookup(userID)
	if !ok {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return s.sumLocked(st, snap, trackID), true
}

// sumLocked adds weight*vector over the user's entries in track id order,
// skipping skipID. Callers hold st.mu.
func (s *Store) sumLocked(st *userState, snap *features.Snapshot, skipID int64) features.Vector {
	ids := make([]int64, 0, len(st.weights))
	for id := range st.weights {
		if id != skipID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	vec := make(features.Vector, snap.Dims())
	for _, id := range ids {
		w := st.weights[id]
		if w == 0 {
			continue
		}
		tv, ok := s.vectors.VectorAt(id, snap)
		if !ok || len(tv) != len(vec) {
			continue
		}
		for i := range vec {
			vec[i] += w * tv[i]
		}
	}
	return vec
}

// Weight returns the accumulated weight for the pair.
func (s *Store) Weight(userID, trackID int64) (float64, bool) {
	st, ok := s.lookup(userID)
	if !ok {
		return 0, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	w, ok := st.weights[trackID]
	return w, ok
}

// Entries returns the user's matrix row ordered by track id.
func (s *Store) Entries(userID int64) []Entry {
	st, ok := s.lookup(userID)
	if !ok {
		return nil
	}
	st.mu.RLock()
	out := make([]Entry, 0, len(st.weights))
	for id, w := range st.weights {
		out = append(out, Entry{TrackID: id, Weight: w})
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Disliked returns the tracks whose latest like/dislike is a dislike.
func (s *Store) Disliked(userID int64) map[int64]struct{} {
	out := make(map[int64]struct{})
	st, ok := s.lookup(userID)
	if !ok {
		return out
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	for id, p := range st.prefs {
		if p.kind == domain.KindDislike {
			out[id] = struct{}{}
		}
	}
	return out
}

func (s *Store) IsDisliked(userID, trackID int64) bool {
	st, ok := s.lookup(userID)
	if !ok {
		return false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.prefs[trackID]
	return ok && p.kind == domain.KindDislike
}

// Interacted returns every track the user has a matrix entry for.
func (s *Store) Interacted(userID int64) map[int64]struct{} {
	out := make(map[int64]struct{})
	st, ok := s.lookup(userID)
	if !ok {
		return out
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	for id := range st.weights {
		out[id] = struct{}{}
	}
	return out
}

// HasInteractions reports whether the user has recorded anything.
func (s *Store) HasInteractions(userID int64) bool {
	st, ok := s.lookup(userID)
	if !ok {
		return false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.log) > 0
}

// Log returns a copy of the user's interaction log in append order.
func (s *Store) Log(userID int64) []domain.Interaction {
	st, ok := s.lookup(userID)
	if !ok {
		return nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]domain.Interaction(nil), st.log...)
}

// TrackInteractions counts recorded, non-duplicate interactions on a track.
func (s *Store) TrackInteractions(trackID int64) int64 {
	v, ok := s.tracks.Load(trackID)
	if !ok {
		return 0
	}
	return v.(*trackState).count.Load()
}

// Audience returns the users holding a matrix entry for the track, by id.
func (s *Store) Audience(trackID int64) []int64 {
	v, ok := s.tracks.Load(trackID)
	if !ok {
		return nil
	}
	ts := v.(*trackState)
	ts.mu.RLock()
	out := make([]int64, 0, len(ts.users))
	for id := range ts.users {
		out = append(out, id)
	}
	ts.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Users returns every user with at least one interaction, by id.
func (s *Store) Users() []int64 {
	var out []int64
	s.users.Range(func(k, v any) bool {
		st := v.(*userState)
		st.mu.RLock()
		n := len(st.log)
		st.mu.RUnlock()
		if n > 0 {
			out = append(out, k.(int64))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot is the catalog snapshot profiles are currently built against.
func (s *Store) Snapshot() *features.Snapshot {
	return s.vectors.Snapshot()
}

// LastSeq is the most recently assigned sequence number.
func (s *Store) LastSeq() uint64 {
	return s.seq.Load()
}
