// Package enrich claims pending raw records in batches and enriches them
// through the LLM client with bounded concurrency.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/socialpulse/pulse/engine/config"
	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/engine/llm"
	"github.com/socialpulse/pulse/engine/rawstore"
	"github.com/socialpulse/pulse/engine/sink"
	"github.com/socialpulse/pulse/pkg/fn"
	"github.com/socialpulse/pulse/pkg/metrics"
)

var tracer = otel.Tracer("github.com/socialpulse/pulse/engine/enrich")

// Settings supplies the pipeline settings. It is read at the start of every
// batch so changes apply without a restart.
type Settings interface {
	Pipeline() config.Pipeline
}

// StaticSettings serves a fixed Pipeline.
type StaticSettings config.Pipeline

func (s StaticSettings) Pipeline() config.Pipeline { return config.Pipeline(s) }

// Options configures a Batcher.
type Options struct {
	Store    rawstore.Store
	Client   llm.Client
	Sink     sink.Sink
	Settings Settings
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Now      func() time.Time
	// Sleep waits between batches. Defaults to a timer honouring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// BatchResult reports one ProcessBatch call. Succeeded+Failed+Skipped equals
// Claimed; Terminal counts the failures that exhausted their attempts.
type BatchResult struct {
	Claimed   int           `json:"claimed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Terminal  int           `json:"terminal"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

func (r *BatchResult) add(o outcome) {
	switch o {
	case succeeded:
		r.Succeeded++
	case failed:
		r.Failed++
	case terminal:
		r.Failed++
		r.Terminal++
	default:
		r.Skipped++
	}
}

type outcome string

const (
	succeeded outcome = "succeeded"
	failed    outcome = "failed"
	terminal  outcome = "terminal"
	skipped   outcome = "skipped"
)

// Batcher is safe for concurrent use; concurrent batches never share a
// record because each claims under its own owner token.
type Batcher struct {
	opts Options

	limMu   sync.Mutex
	limRate float64
	lim     *rate.Limiter

	lastRun atomic.Int64
}

// New creates a Batcher.
func New(opts Options) *Batcher {
	if opts.Sink == nil {
		opts.Sink = sink.Discard
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
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Batcher{opts: opts}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastRun is when the last batch finished, zero if none has.
func (b *Batcher) LastRun() time.Time {
	n := b.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// limiter returns the shared pacing limiter, nil when pacing is off. It is
// rebuilt when the configured rate changes.
func (b *Batcher) limiter(rps float64) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	if rps <= 0 {
		b.lim, b.limRate = nil, 0
		return nil
	}
	if b.lim == nil || b.limRate != rps {
		burst := max(int(rps), 1)
		b.lim, b.limRate = rate.NewLimiter(rate.Limit(rps), burst), rps
	}
	return b.lim
}

// ProcessBatch claims up to batchSize pending records (the configured batch
// size when batchSize <= 0) and enriches them with at most max_in_flight
// concurrent LLM calls. Only a failed claim returns an error; per-record
// failures are counted in the result.
func (b *Batcher) ProcessBatch(ctx context.Context, batchSize int) (BatchResult, error) {
	p := b.opts.Settings.Pipeline()
	if batchSize <= 0 {
		batchSize = p.BatchSize
	}
	ctx, span := tracer.Start(ctx, "enrich.ProcessBatch",
		trace.WithAttributes(attribute.Int("batch_size", batchSize)))
	defer span.End()

	start := b.opts.Now()
	owner := rawstore.NewOwner()
	recs, err := b.opts.Store.FetchPending(ctx, rawstore.Claim{Owner: owner, Limit: batchSize, Lease: p.LeaseTimeout()})
	if err != nil {
		return BatchResult{}, fmt.Errorf("enrich: claim: %w", err)
	}

	res := BatchResult{Claimed: len(recs)}
	if len(recs) > 0 {
		stage := fn.TracedStage("enrich.record", b.recordStage(p))
		outcomes := fn.ParMapResult(ctx, recs, p.MaxInFlight, func(ctx context.Context, rec domain.RawRecord) fn.Result[outcome] {
			return fn.Ok(b.commit(ctx, owner, rec, stage(ctx, rec), p))
		})
		for i, r := range outcomes {
			o, err := r.Unwrap()
			if err != nil {
				// Never dispatched: the batch was cancelled first.
				o = b.release(ctx, owner, recs[i])
			}
			res.add(o)
			b.opts.Metrics.EnrichRecords.WithLabelValues(string(o)).Inc()
		}
	}

	finished := b.opts.Now()
	res.Duration = finished.Sub(start)
	b.lastRun.Store(finished.UnixNano())
	b.opts.Metrics.MarkRun("process", finished)
	span.SetAttributes(attribute.Int("claimed", res.Claimed), attribute.Int("succeeded", res.Succeeded))

	if res.Claimed > 0 {
		b.opts.Logger.Info("enrichment batch finished",
			"claimed", res.Claimed, "succeeded", res.Succeeded, "failed", res.Failed,
			"terminal", res.Terminal, "skipped", res.Skipped, "duration", res.Duration)
	}
	return res, nil
}

type enriched struct {
	rec domain.RawRecord
	e   domain.Enrichment
}

// recordStage paces, calls the LLM under the per-call timeout and builds the
// post. Any error it returns is an enrichment failure of the record.
func (b *Batcher) recordStage(p config.Pipeline) fn.Stage[domain.RawRecord, domain.Post] {
	lim := b.limiter(p.LLMRequestsPerSecond)
	timeout := p.LLMTimeout()

	call := func(ctx context.Context, rec domain.RawRecord) fn.Result[enriched] {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return fn.Err[enriched](err)
			}
		}
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		m := b.opts.Metrics
		m.EnrichInflight.Inc()
		start := time.Now()
		e, err := b.opts.Client.Enrich(callCtx, rec)
		metrics.ObserveSince(m.EnrichCallDuration, start)
		m.EnrichInflight.Dec()
		if err != nil {
			return fn.Err[enriched](err)
		}
		return fn.Ok(enriched{rec: rec, e: e})
	}

	build := func(_ context.Context, in enriched) fn.Result[domain.Post] {
		post := domain.NewPost(in.rec, in.e, b.opts.Now().UTC())
		if err := domain.ValidatePost(post); err != nil {
			return fn.Err[domain.Post](domain.NewEnrichmentError(domain.KindParse, err))
		}
		return fn.Ok(post)
	}

	return fn.Then(fn.Stage[domain.RawRecord, enriched](call), fn.Stage[enriched, domain.Post](build))
}

// commit records the outcome of one record in the store. Store writes use a
// context detached from cancellation so a finished call is never lost to a
// run timeout.
func (b *Batcher) commit(ctx context.Context, owner string, rec domain.RawRecord, r fn.Result[domain.Post], p config.Pipeline) outcome {
	log := b.opts.Logger.With("record_id", rec.ID, "platform", rec.Platform)
	post, err := r.Unwrap()
	if err != nil {
		if ctx.Err() != nil {
			// The batch was abandoned, not the record.
			return b.release(ctx, owner, rec)
		}
		return b.fail(ctx, log, owner, rec, err, p)
	}

	wctx := context.WithoutCancel(ctx)
	if err := b.opts.Store.MarkProcessed(wctx, rec.ID, owner, post); err != nil {
		if domain.IsStoreKind(err, domain.KindLeaseExpired) {
			log.Warn("lease lost before commit, record left to its new owner")
		} else {
			log.Error("commit enrichment failed", "error", err)
		}
		return skipped
	}

	if err := b.opts.Sink.Deliver(wctx, post); err != nil {
		log.Warn("post delivery failed", "post_id", post.ID, "error", err)
	}
	return succeeded
}

// fail records the attempt and keeps the record out of claims until its
// retry backoff has passed.
func (b *Batcher) fail(ctx context.Context, log *slog.Logger, owner string, rec domain.RawRecord, cause error, p config.Pipeline) outcome {
	if _, ok := domain.KindOf(cause); !ok {
		cause = domain.NewEnrichmentError(domain.KindUpstream, cause)
	}
	backoff := p.RetryBackoff(rec.Attempts + 1)
	updated, err := b.opts.Store.MarkFailed(context.WithoutCancel(ctx), rec.ID, owner, cause, p.MaxAttempts, backoff)
	if err != nil {
		if domain.IsStoreKind(err, domain.KindLeaseExpired) {
			log.Warn("lease lost before recording failure", "cause", cause)
		} else {
			log.Error("record enrichment failure", "cause", cause, "error", err)
		}
		return skipped
	}
	if updated.Status == domain.StatusFailed {
		log.Warn("record permanently failed", "attempts", updated.Attempts, "error", cause)
		return terminal
	}
	log.Info("enrichment failed, will retry", "attempts", updated.Attempts, "retry_in", backoff, "error", cause)
	return failed
}

func (b *Batcher) release(ctx context.Context, owner string, rec domain.RawRecord) outcome {
	if err := b.opts.Store.Release(context.WithoutCancel(ctx), rec.ID, owner); err != nil &&
		!domain.IsStoreKind(err, domain.KindLeaseExpired) {
		b.opts.Logger.Warn("release lease failed", "record_id", rec.ID, "error", err)
	}
	return skipped
}

// Run processes batches until one claims less than a full batch, the
// configured max_batches_per_run is reached or maxRecords have been claimed
// (maxRecords <= 0 means no cap). The inter-batch delay is applied only when
// another batch follows.
func (b *Batcher) Run(ctx context.Context, maxRecords int) ([]BatchResult, error) {
	p := b.opts.Settings.Pipeline()
	var (
		results []BatchResult
		claimed int
	)
	for n := 1; ; n++ {
		size := p.BatchSize
		if maxRecords > 0 {
			size = min(size, maxRecords-claimed)
		}
		res, err := b.ProcessBatch(ctx, size)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		claimed += res.Claimed

		more := res.Claimed == size &&
			(p.MaxBatchesPerRun == 0 || n < p.MaxBatchesPerRun) &&
			(maxRecords <= 0 || claimed < maxRecords)
		if !more || ctx.Err() != nil {
			break
		}
		if d := p.InterBatchDelay(); d > 0 {
			if err := b.opts.Sleep(ctx, d); err != nil {
				break
			}
		}
	}

	if st, err := b.opts.Store.Stats(ctx); err == nil {
		b.opts.Metrics.StorePending.Set(float64(st.Pending))
	}
	return results, nil
}

// Totals sums a run's batch results.
func Totals(results []BatchResult) BatchResult {
	var t BatchResult
	for _, r := range results {
		t.Claimed += r.Claimed
		t.Succeeded += r.Succeeded
		t.Failed += r.Failed
		t.Terminal += r.Terminal
		t.Skipped += r.Skipped
		t.Duration += r.Duration
	}
	return t
}
