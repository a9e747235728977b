// Package schedule drives periodic collection and enrichment runs from the
// live configuration.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/socialpulse/pulse/engine/config"
)

// DefaultTick is how often the driver re-reads its settings.
const DefaultTick = 15 * time.Second

// Settings supplies the pipeline settings; it is read on every tick.
type Settings interface {
	Pipeline() config.Pipeline
}

// Job is one scheduled run. Its context carries the run timeout.
type Job func(ctx context.Context) error

// Options configures a Driver.
type Options struct {
	Settings Settings
	Collect  Job
	Process  Job
	Tick     time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type jobState struct {
	name    string
	run     Job
	running bool
	last    time.Time
}

// Driver starts each job when its interval has elapsed and its enable flag is
// set. A job never overlaps with itself; collection and processing run
// independently.
type Driver struct {
	opts Options

	mu   sync.Mutex
	jobs []*jobState
	wg   sync.WaitGroup
}

// New creates a Driver. A nil job is never scheduled.
func New(opts Options) *Driver {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{
		opts: opts,
		jobs: []*jobState{
			{name: "collect", run: opts.Collect},
			{name: "process", run: opts.Process},
		},
	}
}

// Run ticks until ctx is done, then waits for running jobs to return.
func (d *Driver) Run(ctx context.Context) {
	t := time.NewTicker(d.opts.Tick)
	defer t.Stop()
	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.Wait()
			return
		case <-t.C:
			d.Tick(ctx)
		}
	}
}

// Tick re-reads the settings and starts every due job in the background. It
// returns the names of the jobs it started.
func (d *Driver) Tick(ctx context.Context) []string {
	p := d.opts.Settings.Pipeline()
	now := d.opts.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	var started []string
	for _, j := range d.jobs {
		enabled, interval := d.policy(j.name, p)
		if j.run == nil || !enabled || j.running {
			continue
		}
		if !j.last.IsZero() && now.Sub(j.last) < interval {
			continue
		}
		j.running = true
		j.last = now
		started = append(started, j.name)
		d.wg.Add(1)
		go d.execute(ctx, j, p.RunTimeout())
	}
	return started
}

func (d *Driver) policy(name string, p config.Pipeline) (bool, time.Duration) {
	if name == "collect" {
		return p.EnableAutoCollection, p.CollectionInterval()
	}
	return p.EnableAutoProcessing, p.ProcessingInterval()
}

func (d *Driver) execute(ctx context.Context, j *jobState, timeout time.Duration) {
	defer d.wg.Done()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.run(ctx)
	log := d.opts.Logger.With("job", j.name, "duration", time.Since(start))
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Warn("scheduled run abandoned after timeout", "timeout", timeout, "error", err)
	case err != nil:
		log.Error("scheduled run failed", "error", err)
	default:
		log.Debug("scheduled run finished")
	}

	d.mu.Lock()
	j.running = false
	d.mu.Unlock()
}

// Wait blocks until every started job has returned.
func (d *Driver) Wait() { d.wg.Wait() }
