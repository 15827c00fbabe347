// Package cache memoizes recommendation results with a TTL, collapses
// concurrent computations of the same key, and invalidates lazily by user
// and by seed track.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/actuallystonmai/track-recommender/internal/domain"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 10000
)

// Key identifies one recommendation computation.
type Key struct {
	Kind              domain.ContextKind
	ContextID         int64
	UserID            int64
	RecentTrackID     int64
	K                 int
	Alpha             float64
	ExcludeInteracted bool
	CatalogVersion    uint64
	// Epoch scopes CatalogVersion, which only counts within one process.
	// The cache stamps it on keys bound for the shared tier.
	Epoch             string
}

func NewKey(rc domain.Context, opts domain.Options, catalogVersion uint64) Key {
	k := Key{
		Kind:              rc.Kind,
		ContextID:         rc.ID(),
		UserID:            rc.UserID,
		K:                 opts.K,
		Alpha:             opts.Alpha,
		ExcludeInteracted: opts.ExcludeInteracted,
		CatalogVersion:    catalogVersion,
	}
	if rc.Kind == domain.ContextUser {
		k.RecentTrackID = rc.RecentTrackID
	}
	return k
}

func (k Key) String() string {
	x := 0
	if k.ExcludeInteracted {
		x = 1
	}
	return fmt.Sprintf("rec:%s:%d:u:%d:r:%d:k:%d:a:%s:x:%d:v:%d:e:%s",
		k.Kind, k.ContextID, k.UserID, k.RecentTrackID, k.K,
		strconv.FormatFloat(k.Alpha, 'f', -1, 64), x, k.CatalogVersion, k.Epoch)
}

// seedID is the seed track a key depends on, or 0.
func (k Key) seedID() int64 {
	if k.Kind == domain.ContextSeed {
		return k.ContextID
	}
	return 0
}

// Tier is an optional shared second level behind the in-process cache.
type Tier interface {
	Get(ctx context.Context, key Key) (*domain.RecommendationResult, bool, error)
	Set(ctx context.Context, key Key, res *domain.RecommendationResult) error
	InvalidateUser(ctx context.Context, userID int64) error
	InvalidateSeed(ctx context.Context, trackID int64) error
}

type entry struct {
	result    *domain.RecommendationResult
	expiresAt time.Time
}

type Config struct {
	TTL        time.Duration
	MaxEntries int
	// Epoch defaults to a fresh random id per Cache.
	Epoch      string
}

type Cache struct {
	ttl        time.Duration
	maxEntries int
	tier       Tier
	epoch      string
	logger     zerolog.Logger
	now        func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[Key]entry
	byUser  map[int64]map[Key]struct{}
	bySeed  map[int64]map[Key]struct{}
	// Generations only matter while a computation is in flight, so both
	// maps hold ids with pending callers and nothing else.
	userGen map[int64]*generation
	seedGen map[int64]*generation
}

type generation struct {
	gen     uint64
	pending int
}

func New(cfg Config, tier Tier, logger zerolog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Epoch == "" {
		cfg.Epoch = uuid.NewString()
	}
	return &Cache{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		tier:       tier,
		epoch:      cfg.Epoch,
		logger:     logger.With().Str("component", "cache").Logger(),
		now:        time.Now,
		entries:    make(map[Key]entry),
		byUser:     make(map[int64]map[Key]struct{}),
		bySeed:     make(map[int64]map[Key]struct{}),
		userGen:    make(map[int64]*generation),
		seedGen:    make(map[int64]*generation),
	}
}

// Get is a pure read: expired entries are reported as misses but left for
// the next write to sweep.
func (c *Cache) Get(key Key) (*domain.RecommendationResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.result.Clone(), true
}

// GetOrCompute returns the cached result for key or runs compute exactly
// once across concurrent callers. Errors reach every waiter and are never
// cached. The returned bool reports a cache hit.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute func(context.Context) (*domain.RecommendationResult, error)) (*domain.RecommendationResult, bool, error) {
	if res, ok := c.Get(key); ok {
		return res, true, nil
	}

	ug, sg := c.acquire(key)
	defer c.release(key)
	// Generations are part of the flight key so requests arriving after an
	// invalidation never join a computation that started before it.
	flight := fmt.Sprintf("%s|ug:%d|sg:%d", key, ug, sg)

	// The shared computation outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(flight, func() (any, error) {
		ctx := shared
		if res, ok := c.Get(key); ok {
			return res, nil
		}
		if res, ok := c.fromTier(ctx, key); ok {
			c.store(key, res, ug, sg)
			return res, nil
		}

		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if c.store(key, res, ug, sg) && c.tier != nil {
			if err := c.tier.Set(ctx, c.tierKey(key), res); err != nil {
				c.logger.Warn().Err(err).Str("key", key.String()).Msg("second tier set failed")
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*domain.RecommendationResult).Clone(), false, nil
}

func (c *Cache) fromTier(ctx context.Context, key Key) (*domain.RecommendationResult, bool) {
	if c.tier == nil {
		return nil, false
	}
	res, ok, err := c.tier.Get(ctx, c.tierKey(key))
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("second tier get failed")
		return nil, false
	}
	return res, ok
}

// tierKey scopes key to this process so a restarted or different instance,
// whose catalog versions count from scratch, never reads its entries.
func (c *Cache) tierKey(key Key) Key {
	key.Epoch = c.epoch
	return key
}

// acquire registers a pending caller for key and returns the generations it
// computes under. Every acquire is paired with a release.
func (c *Cache) acquire(key Key) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pin(c.userGen, key.UserID), pin(c.seedGen, key.seedID())
}

func (c *Cache) release(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	unpin(c.userGen, key.UserID)
	unpin(c.seedGen, key.seedID())
}

func pin(gens map[int64]*generation, id int64) uint64 {
	g, ok := gens[id]
	if !ok {
		g = &generation{}
		gens[id] = g
	}
	g.pending++
	return g.gen
}

func unpin(gens map[int64]*generation, id int64) {
	g, ok := gens[id]
	if !ok {
		return
	}
	if g.pending--; g.pending <= 0 {
		delete(gens, id)
	}
}

// bump moves id to a new generation if anyone is computing under the
// current one. With nobody pending there is nothing to fence off.
func bump(gens map[int64]*generation, id int64) {
	if g, ok := gens[id]; ok {
		g.gen++
	}
}

func genOf(gens map[int64]*generation, id int64) uint64 {
	if g, ok := gens[id]; ok {
		return g.gen
	}
	return 0
}

// store saves res unless an invalidation raced with its computation.
func (c *Cache) store(key Key, res *domain.RecommendationResult, ug, sg uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if genOf(c.userGen, key.UserID) != ug || genOf(c.seedGen, key.seedID()) != sg {
		return false
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}

	c.entries[key] = entry{result: res.Clone(), expiresAt: c.now().Add(c.ttl)}
	if key.UserID > 0 {
		addIndex(c.byUser, key.UserID, key)
	}
	if seed := key.seedID(); seed > 0 {
		addIndex(c.bySeed, seed, key)
	}
	return true
}

// evictLocked sweeps expired entries, then drops the entry closest to expiry.
func (c *Cache) evictLocked() {
	now := c.now()
	var oldest Key
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.deleteLocked(k)
			continue
		}
		if first || e.expiresAt.Before(oldestAt) {
			oldest, oldestAt, first = k, e.expiresAt, false
		}
	}
	if len(c.entries) >= c.maxEntries && !first {
		c.deleteLocked(oldest)
	}
}

func (c *Cache) deleteLocked(k Key) {
	delete(c.entries, k)
	removeIndex(c.byUser, k.UserID, k)
	removeIndex(c.bySeed, k.seedID(), k)
}

// InvalidateUser drops every result computed for userID.
func (c *Cache) InvalidateUser(ctx context.Context, userID int64) int {
	c.mu.Lock()
	bump(c.userGen, userID)
	n := c.dropLocked(c.byUser[userID])
	c.mu.Unlock()

	if c.tier != nil {
		if err := c.tier.InvalidateUser(ctx, userID); err != nil {
			c.logger.Warn().Err(err).Int64("user_id", userID).Msg("second tier user invalidation failed")
		}
	}
	return n
}

// InvalidateSeed drops every "more like this" result seeded by trackID.
func (c *Cache) InvalidateSeed(ctx context.Context, trackID int64) int {
	c.mu.Lock()
	bump(c.seedGen, trackID)
	n := c.dropLocked(c.bySeed[trackID])
	c.mu.Unlock()

	if c.tier != nil {
		if err := c.tier.InvalidateSeed(ctx, trackID); err != nil {
			c.logger.Warn().Err(err).Int64("track_id", trackID).Msg("second tier seed invalidation failed")
		}
	}
	return n
}

func (c *Cache) dropLocked(keys map[Key]struct{}) int {
	victims := make([]Key, 0, len(keys))
	for k := range keys {
		victims = append(victims, k)
	}
	for _, k := range victims {
		c.deleteLocked(k)
	}
	return len(victims)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func addIndex(idx map[int64]map[Key]struct{}, id int64, k Key) {
	set, ok := idx[id]
	if !ok {
		set = make(map[Key]struct{})
		idx[id] = set
	}
	set[k] = struct{}{}
}

func removeIndex(idx map[int64]map[Key]struct{}, id int64, k Key) {
	set, ok := idx[id]
	if !ok {
		return
	}
	delete(set, k)
	if len(set) == 0 {
		delete(idx, id)
	}
}
