// Package engine wires discovery, enrichment, and materialization into the
// one Cycle the task scheduler calls per subscription, and owns each
// subscription's risk-control breaker across calls: a trip's cooldown
// needs to survive the cycle that caused it, so the breaker is built once
// per subscription rather than fresh on every Cycle.
//
// Grounded on the teacher's internal/supervisor.runInstanceOnce, which
// plays the same composition-root role there: one function stringing
// together the stages a single restart attempt needs, with errors routed
// to the same place a caller can decide retry vs. give-up.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arrenxxxxx/bili-sync/internal/biliapi"
	"github.com/arrenxxxxx/bili-sync/internal/config"
	"github.com/arrenxxxxx/bili-sync/internal/downloader"
	"github.com/arrenxxxxx/bili-sync/internal/enrich"
	"github.com/arrenxxxxx/bili-sync/internal/governor"
	"github.com/arrenxxxxx/bili-sync/internal/layout"
	"github.com/arrenxxxxx/bili-sync/internal/materialize"
	"github.com/arrenxxxxx/bili-sync/internal/metadata"
	"github.com/arrenxxxxx/bili-sync/internal/metrics"
	"github.com/arrenxxxxx/bili-sync/internal/model"
	"github.com/arrenxxxxx/bili-sync/internal/riskctl"
	"github.com/arrenxxxxx/bili-sync/internal/source"
)

var logger = log.New(log.Writer(), "engine: ", log.LstdFlags)

// repository is the narrow slice of internal/repository the engine needs
// directly; enrich.New and materialize.New are handed this same value and
// structurally satisfy their own narrower interfaces from it.
type repository interface {
	ListEnabledSubscriptions(ctx context.Context) ([]model.Subscription, error)
	AdvanceWatermark(ctx context.Context, kind model.SubscriptionKind, id int64, newest time.Time) error
	UpsertVideos(ctx context.Context, kind model.SubscriptionKind, subscriptionID int64, batch []model.Video) ([]int64, error)
	VideosNeedingEnrichment(ctx context.Context, subscriptionID int64) ([]model.Video, error)
	SelectPending(ctx context.Context, subscriptionID int64, filter model.FilterRule) ([]model.Video, error)
	MarkInvalid(ctx context.Context, videoID int64) error
	UpdateVideoCategory(ctx context.Context, videoID int64, category model.VideoCategory) error
	UpdateVideoCover(ctx context.Context, videoID int64, coverURL string) error
	UpdateVideoPublisherAvatar(ctx context.Context, videoID int64, avatarURL string) error
	UpsertPages(ctx context.Context, videoID int64, pages []model.Page) error
	UpdateVideoStatus(ctx context.Context, videoID int64, field int, newValue uint8) error
	UpdatePageStatus(ctx context.Context, pageID int64, field int, newValue uint8) error
	PagesForVideo(ctx context.Context, videoID int64) ([]model.Page, error)
}

// Engine is the composition root: one Cycle call runs discovery, then
// enrichment, then materialization for a single subscription, all gated by
// that subscription's risk-control breaker. The breaker is built once per
// subscription and kept for the Engine's lifetime rather than rebuilt each
// Cycle, so a trip's cooldown outlives the cycle that caused it and is
// still in effect the next time the scheduler calls Cycle.
type Engine struct {
	repo   repository
	client biliapi.Client
	cfg    *config.Store
	gov    *governor.Governor
	dl     *downloader.Downloader
	layout *layout.Resolver
	meta   metadata.Provider

	mu            sync.Mutex
	breakers      map[int64]*riskctl.Breaker
	cooldownUntil map[int64]time.Time
}

func New(repo repository, client biliapi.Client, cfg *config.Store, gov *governor.Governor, dl *downloader.Downloader, lay *layout.Resolver, meta metadata.Provider) *Engine {
	return &Engine{
		repo:          repo,
		client:        client,
		cfg:           cfg,
		gov:           gov,
		dl:            dl,
		layout:        lay,
		meta:          meta,
		breakers:      make(map[int64]*riskctl.Breaker),
		cooldownUntil: make(map[int64]time.Time),
	}
}

// CooldownUntil reports when subscriptionID's risk-control breaker will
// next allow an upstream call, or the zero Time if it isn't cooling down.
// scheduler.Manager consults this before starting a scheduled or
// manually-triggered cycle, so a trip delays the next fire rather than
// only aborting the cycle that caused it.
func (e *Engine) CooldownUntil(subscriptionID int64) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldownUntil[subscriptionID]
}

// breakerFor returns the persistent Breaker for a subscription, creating
// it on first use so its state (and cooldown) survives across Cycle
// calls.
func (e *Engine) breakerFor(sub model.Subscription, cooldown time.Duration) *riskctl.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[sub.ID]; ok {
		return b
	}
	b := riskctl.New(sub.Title, cooldown, func(from, to riskctl.State) {
		metrics.CircuitBreakerState.WithLabelValues(sub.Title).Set(float64(to))
		metrics.CircuitBreakerTransitions.WithLabelValues(sub.Title, from.String(), to.String()).Inc()
		e.mu.Lock()
		if to == riskctl.StateOpen {
			e.cooldownUntil[sub.ID] = time.Now().Add(cooldown)
		} else {
			delete(e.cooldownUntil, sub.ID)
		}
		e.mu.Unlock()
	})
	e.breakers[sub.ID] = b
	return b
}

// Cycle implements scheduler.CycleFunc: it is the function the task
// scheduler calls per subscription.
func (e *Engine) Cycle(ctx context.Context, subscriptionID int64) error {
	start := time.Now()
	runID := uuid.NewString()

	sub, ok, err := e.findSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !ok {
		// Subscription was disabled or removed between schedule and tick;
		// nothing to do. The scheduler keeps its job armed, so later ticks
		// end here too.
		return nil
	}
	logger.Printf("run %s: starting cycle for subscription %d (%s)", runID, sub.ID, sub.Title)

	snap := e.cfg.Current()
	breaker := e.breakerFor(sub, snap.RiskControl.Cooldown)

	defer func() {
		metrics.CycleDuration.WithLabelValues(string(sub.Kind)).Observe(time.Since(start).Seconds())
		logger.Printf("run %s: cycle finished in %s", runID, time.Since(start))
	}()

	if err := riskctl.Do(ctx, breaker, func(ctx context.Context) error { return e.discover(ctx, sub) }); err != nil {
		return err
	}
	if err := riskctl.Do(ctx, breaker, func(ctx context.Context) error { return e.enrich(ctx, sub, snap) }); err != nil {
		return err
	}
	return riskctl.Do(ctx, breaker, func(ctx context.Context) error { return e.materialize(ctx, sub, snap) })
}

func (e *Engine) findSubscription(ctx context.Context, subscriptionID int64) (model.Subscription, bool, error) {
	subs, err := e.repo.ListEnabledSubscriptions(ctx)
	if err != nil {
		return model.Subscription{}, false, err
	}
	for _, s := range subs {
		if s.ID == subscriptionID {
			return s, true, nil
		}
	}
	return model.Subscription{}, false, nil
}

// discover runs the subscription source: page through the remote
// listing, insert newly-seen videos, and advance the watermark.
func (e *Engine) discover(ctx context.Context, sub model.Subscription) error {
	src := source.New(e.client, sub)
	res, err := src.Discover(ctx)
	if err != nil {
		return err
	}
	if len(res.Items) > 0 {
		batch := make([]model.Video, 0, len(res.Items))
		for _, d := range res.Items {
			batch = append(batch, source.ToVideo(sub, d))
		}
		inserted, err := e.repo.UpsertVideos(ctx, sub.Kind, sub.ID, batch)
		if err != nil {
			return err
		}
		metrics.DiscoveredVideos.WithLabelValues(string(sub.Kind)).Add(float64(len(inserted)))
	}
	if res.SawAny {
		if err := e.repo.AdvanceWatermark(ctx, sub.Kind, sub.ID, res.Newest); err != nil {
			return err
		}
	}
	return nil
}

// enrich runs the enrichment stage over every video still missing
// detail: stream selection, filter application, category classification.
func (e *Engine) enrich(ctx context.Context, sub model.Subscription, snap config.Snapshot) error {
	videos, err := e.repo.VideosNeedingEnrichment(ctx, sub.ID)
	if err != nil {
		return err
	}
	if len(videos) == 0 {
		return nil
	}
	enricher := enrich.New(e.client, e.repo)
	return enricher.Stage(ctx, videos, sub.Filter, snap.Quality)
}

// materialize runs the materialization stage over every video with at
// least one non-terminal field.
func (e *Engine) materialize(ctx context.Context, sub model.Subscription, snap config.Snapshot) error {
	videos, err := e.repo.SelectPending(ctx, sub.ID, sub.Filter)
	if err != nil {
		return err
	}
	if len(videos) == 0 {
		return nil
	}
	m := materialize.New(e.client, e.repo, e.gov, e.dl, e.layout, e.meta, snap.Download)
	return m.Stage(ctx, sub, videos)
}
