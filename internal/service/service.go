package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/actuallystonmai/track-recommender/internal/cache"
	"github.com/actuallystonmai/track-recommender/internal/catalog"
	"github.com/actuallystonmai/track-recommender/internal/collab"
	"github.com/actuallystonmai/track-recommender/internal/domain"
	"github.com/actuallystonmai/track-recommender/internal/interactions"
	"github.com/actuallystonmai/track-recommender/internal/metrics"
	"github.com/actuallystonmai/track-recommender/internal/ranker"
)

const batchConcurrency = 10

// InteractionLog persists accepted interactions so the store can be rebuilt
// on restart. Inserting a tuple that already exists must be a no-op.
type InteractionLog interface {
	InsertInteraction(ctx context.Context, in domain.Interaction) error
	LoadInteractions(ctx context.Context, fn func(domain.Interaction) error) error
}

type UserDirectory interface {
	GetUserIDsPaginated(ctx context.Context, page, limit int) ([]int64, error)
	CountUsers(ctx context.Context) (int, error)
}

type Deps struct {
	Catalog *catalog.Catalog
	Store   *interactions.Store
	Collab  *collab.Filter
	Ranker  *ranker.Ranker
	Cache   *cache.Cache
	// Log and Users are optional.
	Log    InteractionLog
	Users  UserDirectory
	Logger zerolog.Logger
}

type Options struct {
	DefaultK int
	MaxK     int
	Alpha    float64
}

func DefaultOptions() Options {
	return Options{DefaultK: domain.DefaultK, MaxK: 100, Alpha: domain.DefaultAlpha}
}

type Service struct {
	catalog *catalog.Catalog
	store   *interactions.Store
	collab  *collab.Filter
	ranker  *ranker.Ranker
	cache   *cache.Cache
	log     InteractionLog
	users   UserDirectory
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(deps Deps, opts Options) *Service {
	def := DefaultOptions()
	if opts.DefaultK <= 0 {
		opts.DefaultK = def.DefaultK
	}
	if opts.MaxK < opts.DefaultK {
		opts.MaxK = max(def.MaxK, opts.DefaultK)
	}
	if !validAlpha(opts.Alpha) {
		opts.Alpha = def.Alpha
	}
	return &Service{
		catalog: deps.Catalog,
		store:   deps.Store,
		collab:  deps.Collab,
		ranker:  deps.Ranker,
		cache:   deps.Cache,
		log:     deps.Log,
		users:   deps.Users,
		opts:    opts,
		logger:  deps.Logger.With().Str("component", "service").Logger(),
		now:     time.Now,
	}
}

func validAlpha(a float64) bool {
	return !math.IsNaN(a) && a >= 0 && a <= 1
}

// Defaults returns the effective request defaults.
func (s *Service) Defaults() Options {
	return s.opts
}

func (s *Service) CatalogVersion() uint64 {
	return s.catalog.Version()
}

// Recommend serves rc from the cache or computes it once for all concurrent
// callers asking the same question.
func (s *Service) Recommend(ctx context.Context, rc domain.Context, opts domain.Options) (*domain.RecommendationResult, error) {
	start := time.Now()
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	opts = s.normalize(opts)

	key := cache.NewKey(rc, opts, s.catalog.Version())
	res, hit, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*domain.RecommendationResult, error) {
		return s.ranker.Rank(ctx, rc, opts)
	})
	metrics.RecordRecommend(string(rc.Kind), time.Since(start), err)
	if err != nil {
		if domain.IsComputationError(err) {
			s.logger.Error().Err(err).Str("key", key.String()).Msg("recommendation computation failed")
		}
		return nil, err
	}
	metrics.RecordCache(hit)
	if res.ColdStart {
		metrics.RecommendColdStart.WithLabelValues(string(res.Fallback)).Inc()
	}

	res.CacheHit = hit
	s.logger.Debug().
		Str("context", string(rc.Kind)).
		Int64("context_id", rc.ID()).
		Int("items", len(res.Items)).
		Bool("cache_hit", hit).
		Bool("cold_start", res.ColdStart).
		Dur("elapsed", time.Since(start)).
		Msg("recommendations served")
	return res, nil
}

func (s *Service) normalize(opts domain.Options) domain.Options {
	if opts.K <= 0 {
		opts.K = s.opts.DefaultK
	} else if opts.K > s.opts.MaxK {
		opts.K = s.opts.MaxK
	}
	if !validAlpha(opts.Alpha) {
		opts.Alpha = s.opts.Alpha
	}
	return opts
}

// AppendInteraction records one interaction and returns its sequence
// number. A duplicate returns the original sequence number and changes
// nothing. A zero timestamp means now.
func (s *Service) AppendInteraction(ctx context.Context, userID, trackID int64, kind domain.InteractionKind, ts time.Time) (uint64, error) {
	if userID <= 0 || trackID <= 0 {
		metrics.InteractionsRejected.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("%w: user and track ids must be positive", domain.ErrInvalidArgument)
	}
	if !kind.Valid() {
		metrics.InteractionsRejected.WithLabelValues("invalid").Inc()
		return 0, fmt.Errorf("%w: interaction kind %q", domain.ErrInvalidArgument, kind)
	}
	if ts.IsZero() {
		ts = s.now()
	}
	// storage keeps microseconds; truncating here keeps dedup stable across a replay
	ts = ts.UTC().Truncate(time.Microsecond)

	if _, err := s.catalog.Track(ctx, trackID); err != nil {
		metrics.InteractionsRejected.WithLabelValues("track").Inc()
		return 0, err
	}
	if _, err := s.collab.ResolveRegion(ctx, userID); err != nil {
		metrics.InteractionsRejected.WithLabelValues("user").Inc()
		return 0, err
	}

	in := domain.Interaction{UserID: userID, TrackID: trackID, Kind: kind, Timestamp: ts}
	if s.log != nil {
		if err := s.log.InsertInteraction(ctx, in); err != nil {
			return 0, fmt.Errorf("persist interaction: %w", err)
		}
	}

	upd, err := s.store.Append(in)
	if err != nil {
		return 0, err
	}
	if upd.Duplicate {
		metrics.InteractionsDuplicate.Inc()
		s.logger.Debug().Int64("user_id", userID).Int64("track_id", trackID).Uint64("seq", upd.Seq).
			Msg("duplicate interaction ignored")
		return upd.Seq, nil
	}
	metrics.InteractionsRecorded.WithLabelValues(string(kind)).Inc()

	// Invalidation happens after the store update so the next read after
	// return observes the write.
	users := s.cache.InvalidateUser(ctx, userID)
	seeds := s.cache.InvalidateSeed(ctx, trackID)
	metrics.CacheInvalidations.WithLabelValues("user").Add(float64(users))
	metrics.CacheInvalidations.WithLabelValues("seed").Add(float64(seeds))

	s.logger.Debug().
		Int64("user_id", userID).
		Int64("track_id", trackID).
		Str("kind", string(kind)).
		Uint64("seq", upd.Seq).
		Float64("weight", upd.NewWeight).
		Msg("interaction recorded")
	return upd.Seq, nil
}

// SyncCatalog pulls catalog changes into the feature snapshot and index.
func (s *Service) SyncCatalog(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.catalog.Sync(ctx)
	metrics.CatalogSyncDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CatalogSyncErrors.Inc()
		return 0, err
	}
	metrics.RecordCatalog(s.catalog.Len(), s.catalog.Version())
	if n > 0 {
		s.logger.Info().Int("changes", n).Uint64("catalog_version", s.catalog.Version()).Msg("catalog synced")
	}
	return n, nil
}

// RunCatalogSync syncs every interval until ctx is done.
func (s *Service) RunCatalogSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SyncCatalog(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("periodic catalog sync failed")
			}
		}
	}
}

// Warm replays the persisted interaction log into the store. Entries for
// tracks or users that no longer resolve are skipped.
func (s *Service) Warm(ctx context.Context) (int, error) {
	if s.log == nil {
		return 0, nil
	}
	var applied, skipped int
	err := s.log.LoadInteractions(ctx, func(in domain.Interaction) error {
		if _, err := s.catalog.Track(ctx, in.TrackID); err != nil {
			if errors.Is(err, domain.ErrTrackNotFound) {
				skipped++
				return nil
			}
			return err
		}
		if _, err := s.collab.ResolveRegion(ctx, in.UserID); err != nil {
			skipped++
			return nil
		}
		upd, err := s.store.Append(in)
		if err != nil {
			skipped++
			return nil
		}
		if !upd.Duplicate {
			applied++
		}
		return nil
	})
	if err != nil {
		return applied, fmt.Errorf("replay interactions: %w", err)
	}
	s.logger.Info().Int("applied", applied).Int("skipped", skipped).Msg("interaction log replayed")
	return applied, nil
}

// GetBatchRecommendations computes the feed of every user on one page of
// the user directory. A failed feed is reported per user, not as an error.
func (s *Service) GetBatchRecommendations(ctx context.Context, page, limit int, opts domain.Options) (*domain.BatchResponse, error) {
	if s.users == nil {
		return nil, errors.New("batch recommendations need a user directory")
	}
	start := time.Now()

	// Fetch paginated user IDs
	userIDs, err := s.users.GetUserIDsPaginated(ctx, page, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch user ids: %w", err)
	}

	totalUsers, err := s.users.CountUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	// Process users concurrently with bounded worker pool
	results := make([]domain.BatchUserResult, len(userIDs))
	var wg sync.WaitGroup
	sem := make(chan struct{}, batchConcurrency)

	for i, userID := range userIDs {
		wg.Add(1)
		go func(idx int, uid int64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = s.processUserForBatch(ctx, uid, opts)
		}(i, userID)
	}
	wg.Wait()

	successCount := 0
	failedCount := 0
	for _, r := range results {
		if r.Status == domain.StatusSuccess {
			successCount++
		} else {
			failedCount++
		}
	}

	return &domain.BatchResponse{
		Page:       page,
		Limit:      limit,
		TotalUsers: totalUsers,
		Results:    results,
		Summary: domain.BatchSummary{
			SuccessCount:     successCount,
			FailedCount:      failedCount,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		},
		Metadata: domain.BatchMeta{
			GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// Generates the feed for a single user, capturing errors.
func (s *Service) processUserForBatch(ctx context.Context, userID int64, opts domain.Options) domain.BatchUserResult {
	res, err := s.Recommend(ctx, domain.UserContext(userID), opts)
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("batch: recommendation failed")
		code, msg := categorizeError(err)
		return domain.BatchUserResult{
			UserID:  userID,
			Status:  domain.StatusFailed,
			Error:   code,
			Message: msg,
		}
	}

	return domain.BatchUserResult{
		UserID:          userID,
		Recommendations: res.Items,
		ColdStart:       res.ColdStart,
		Status:          domain.StatusSuccess,
	}
}

func categorizeError(err error) (string, string) {
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		return "user_not_found", "user not found"
	case errors.Is(err, domain.ErrTrackNotFound):
		return "track_not_found", "track not found"
	case domain.IsComputationError(err):
		return "computation_error", "recommendation computation failed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "request_timeout", "request timed out"
	}
	return "internal_error", "an unexpected error occurred"
}
