// Package coordinator runs every enabled collector of a cluster concurrently
// and funnels their candidates into the raw record store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/socialpulse/pulse/engine/collector"
	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/engine/rawstore"
	"github.com/socialpulse/pulse/pkg/metrics"
	"github.com/socialpulse/pulse/pkg/resilience"
)

var tracer = otel.Tracer("github.com/socialpulse/pulse/engine/coordinator")

// Collectors resolves the collector for a platform.
type Collectors interface {
	Get(p domain.Platform) (collector.Collector, bool)
}

// Options configures a Coordinator.
type Options struct {
	Store      rawstore.Store
	Collectors Collectors
	// QuotaCooldown is how long a platform is skipped after QUOTA or AUTH.
	// Zero means one hour.
	QuotaCooldown time.Duration
	// ScopeWorkers bounds how many clusters RunAll collects at once.
	ScopeWorkers int
	Metrics      *metrics.Registry
	Logger       *slog.Logger
	Now          func() time.Time
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	opts    Options
	tracker *Tracker

	mu       sync.Mutex
	breakers map[domain.Platform]*resilience.Breaker
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.QuotaCooldown <= 0 {
		opts.QuotaCooldown = time.Hour
	}
	if opts.ScopeWorkers <= 0 {
		opts.ScopeWorkers = 2
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		opts:     opts,
		tracker:  NewTracker(),
		breakers: make(map[domain.Platform]*resilience.Breaker),
	}
}

// Tracker returns the run history.
func (c *Coordinator) Tracker() *Tracker { return c.tracker }

// quotaOrAuth trips a platform's breaker on the first occurrence.
func quotaOrAuth(err error) bool {
	return domain.IsCollectionKind(err, domain.KindQuota) || domain.IsCollectionKind(err, domain.KindAuth)
}

func (c *Coordinator) breaker(p domain.Platform) *resilience.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[p]
	if !ok {
		b = resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: 1,
			Timeout:       c.opts.QuotaCooldown,
			HalfOpenMax:   1,
			Counts:        quotaOrAuth,
		}).WithClock(c.opts.Now)
		c.breakers[p] = b
	}
	return b
}

// Cooldowns lists platforms currently skipped and when they become eligible.
func (c *Coordinator) Cooldowns() map[domain.Platform]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.Platform]time.Time)
	for p, b := range c.breakers {
		if until := b.OpenUntil(); !until.IsZero() {
			out[p] = until
		}
	}
	return out
}

// RunCollection collects every enabled platform of scope concurrently. A
// platform failure is recorded in its stats and never aborts the others.
func (c *Coordinator) RunCollection(ctx context.Context, scope domain.ClusterScope) domain.CollectionRun {
	ctx, span := tracer.Start(ctx, "coordinator.RunCollection",
		trace.WithAttributes(attribute.String("scope_id", scope.ID)))
	defer span.End()

	run := domain.CollectionRun{
		ID:        uuid.NewString(),
		ScopeID:   scope.ID,
		StartedAt: c.opts.Now().UTC(),
		Platforms: make(map[domain.Platform]*domain.PlatformStats),
	}
	platforms := scope.EnabledPlatforms()
	for _, p := range platforms {
		run.Platforms[p] = &domain.PlatformStats{}
	}

	var g errgroup.Group
	for _, p := range platforms {
		stats := run.Platforms[p]
		g.Go(func() error {
			c.collectPlatform(ctx, scope, p, stats)
			return nil
		})
	}
	_ = g.Wait()

	run.FinishedAt = c.opts.Now().UTC()
	run.Resolve()
	c.tracker.Record(run)
	c.opts.Metrics.CollectRunDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	c.opts.Metrics.MarkRun("collect", run.FinishedAt)

	span.SetAttributes(attribute.String("status", string(run.Status)))
	level := slog.LevelInfo
	if run.Status != domain.RunComplete {
		level = slog.LevelWarn
	}
	t := run.Totals()
	c.opts.Logger.Log(ctx, level, "collection run finished",
		"run_id", run.ID, "scope_id", run.ScopeID, "status", run.Status,
		"fetched", t.Fetched, "new", t.New, "duplicate", t.Duplicate, "malformed", t.Malformed,
		"duration", run.FinishedAt.Sub(run.StartedAt))
	return run
}

func (c *Coordinator) collectPlatform(ctx context.Context, scope domain.ClusterScope, p domain.Platform, stats *domain.PlatformStats) {
	log := c.opts.Logger.With("platform", p, "scope_id", scope.ID)

	col, ok := c.opts.Collectors.Get(p)
	if !ok {
		c.fail(log, p, stats, domain.NewCollectionError(p, domain.KindFormat, errors.New("no collector registered")))
		return
	}
	b := c.breaker(p)
	if err := b.Allow(); err != nil {
		until := b.OpenUntil()
		c.fail(log, p, stats, domain.NewCollectionError(p, domain.KindQuota,
			fmt.Errorf("cooling down until %s: %w", until.Format(time.RFC3339), err)))
		return
	}

	err := c.consume(ctx, col, scope, stats)
	if err == nil && ctx.Err() != nil {
		err = domain.NewCollectionError(p, domain.KindTransient, ctx.Err())
	}
	b.Record(err)
	if err != nil {
		c.fail(log, p, stats, err)
		return
	}
	log.Debug("platform collected", "fetched", stats.Fetched, "new", stats.New, "duplicate", stats.Duplicate)
}

// consume drains one collector stream into the store. It returns the stream's
// terminal error, or a store failure that stopped consumption early.
func (c *Coordinator) consume(ctx context.Context, col collector.Collector, scope domain.ClusterScope, stats *domain.PlatformStats) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := col.Platform()
	items := c.opts.Metrics.CollectItems
	ch := col.Collect(ctx, scope)
	var streamErr error
	for r := range ch {
		cand, err := r.Unwrap()
		if err != nil {
			if errors.Is(err, domain.ErrMalformedItem) {
				stats.Fetched++
				stats.Malformed++
				items.WithLabelValues(string(p), "malformed").Inc()
				continue
			}
			streamErr = err
			continue
		}

		stats.Fetched++
		_, inserted, err := c.opts.Store.InsertIfAbsent(ctx, cand)
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve) || errors.Is(err, domain.ErrUnknownPlatform):
			stats.Malformed++
			items.WithLabelValues(string(p), "malformed").Inc()
		case err != nil:
			cancel()
			for range ch {
			}
			return domain.NewCollectionError(p, domain.KindTransient, fmt.Errorf("store: %w", err))
		case inserted:
			stats.New++
			items.WithLabelValues(string(p), "new").Inc()
		default:
			stats.Duplicate++
			items.WithLabelValues(string(p), "duplicate").Inc()
		}
	}
	return streamErr
}

func (c *Coordinator) fail(log *slog.Logger, p domain.Platform, stats *domain.PlatformStats, err error) {
	kind, ok := domain.KindOf(err)
	if !ok {
		kind = domain.KindTransient
	}
	stats.Failed = true
	stats.ErrorKind = kind
	stats.Error = err.Error()
	c.opts.Metrics.CollectErrors.WithLabelValues(string(p), string(kind)).Inc()
	c.tracker.RecordError(p, kind)
	log.Warn("platform collection failed", "kind", kind, "error", err)
}

// RunAll collects each scope, at most ScopeWorkers at a time. Runs are
// returned in scope order.
func (c *Coordinator) RunAll(ctx context.Context, scopes []domain.ClusterScope) []domain.CollectionRun {
	runs := make([]domain.CollectionRun, len(scopes))
	var g errgroup.Group
	g.SetLimit(c.opts.ScopeWorkers)
	for i, s := range scopes {
		g.Go(func() error {
			runs[i] = c.RunCollection(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
	return runs
}
