// Package control exposes manual triggers, status and runtime settings over
// HTTP and NATS.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/socialpulse/pulse/engine/config"
	"github.com/socialpulse/pulse/engine/coordinator"
	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/engine/enrich"
	"github.com/socialpulse/pulse/engine/graph"
	"github.com/socialpulse/pulse/engine/rawstore"
	"github.com/socialpulse/pulse/engine/semantic"
)

var (
	ErrUnknownCluster = errors.New("control: unknown cluster")
	ErrNotConfigured  = errors.New("control: backend not configured")
)

// EntityReader lists the most mentioned entities of a cluster.
type EntityReader interface {
	TopEntities(ctx context.Context, scopeID string, limit int) ([]graph.EntityCount, error)
}

// PostSearcher finds posts similar to a free-text query.
type PostSearcher interface {
	SearchPosts(ctx context.Context, query, scopeID string, limit int) ([]semantic.SearchResult, error)
}

// Options wires a Service. Entities and Search are optional.
type Options struct {
	Settings    *config.Store
	Coordinator *coordinator.Coordinator
	Batcher     *enrich.Batcher
	Store       rawstore.Store
	Entities    EntityReader
	Search      PostSearcher
	Logger      *slog.Logger
}

// Service runs collection and processing on demand and reports pipeline
// health. Manual runs return the same results as scheduled ones.
type Service struct {
	opts Options
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{opts: opts}
}

// Settings returns the live configuration store.
func (s *Service) Settings() *config.Store { return s.opts.Settings }

// Collect runs collection for one cluster.
func (s *Service) Collect(ctx context.Context, scopeID string) (domain.CollectionRun, error) {
	scope, ok := s.opts.Settings.Current().Cluster(scopeID)
	if !ok {
		return domain.CollectionRun{}, fmt.Errorf("%w: %q", ErrUnknownCluster, scopeID)
	}
	return s.opts.Coordinator.RunCollection(ctx, scope), nil
}

// CollectAll runs collection for every configured cluster.
func (s *Service) CollectAll(ctx context.Context) []domain.CollectionRun {
	return s.opts.Coordinator.RunAll(ctx, s.opts.Settings.Current().Clusters)
}

// ProcessResult is the outcome of a processing run.
type ProcessResult struct {
	Batches []enrich.BatchResult `json:"batches"`
	Totals  enrich.BatchResult   `json:"totals"`
}

// Process runs enrichment batches; limit caps the records claimed (0 means
// the configured per-run caps only).
func (s *Service) Process(ctx context.Context, limit int) (ProcessResult, error) {
	batches, err := s.opts.Batcher.Run(ctx, limit)
	res := ProcessResult{Batches: batches, Totals: enrich.Totals(batches)}
	if res.Batches == nil {
		res.Batches = []enrich.BatchResult{}
	}
	return res, err
}

// Status is the pipeline health snapshot served to dashboards.
type Status struct {
	Healthy        bool                                         `json:"healthy"`
	StoreError     string                                       `json:"store_error,omitempty"`
	Queue          rawstore.Stats                               `json:"queue"`
	PlatformErrors map[domain.Platform]map[domain.ErrorKind]int `json:"platform_errors"`
	Cooldowns      map[domain.Platform]time.Time                `json:"cooldowns"`
	LastCollection time.Time                                    `json:"last_collection,omitzero"`
	LastProcessing time.Time                                    `json:"last_processing,omitzero"`
	Collections    []domain.CollectionRun                       `json:"collections"`
	Pipeline       config.Pipeline                              `json:"pipeline"`
}

// Status reports queue counts, error counters and last run times. A store
// failure makes the status unhealthy rather than failing the call.
func (s *Service) Status(ctx context.Context) Status {
	tr := s.opts.Coordinator.Tracker()
	st := Status{
		Healthy:        true,
		PlatformErrors: tr.PlatformErrors(),
		Cooldowns:      s.opts.Coordinator.Cooldowns(),
		LastCollection: tr.LastFinished(),
		LastProcessing: s.opts.Batcher.LastRun(),
		Collections:    tr.Runs(),
		Pipeline:       s.opts.Settings.Pipeline(),
	}
	q, err := s.opts.Store.Stats(ctx)
	if err != nil {
		st.Healthy = false
		st.StoreError = err.Error()
		s.opts.Logger.Warn("status: store stats failed", "error", err)
		return st
	}
	st.Queue = q
	return st
}

// Health pings the store.
func (s *Service) Health(ctx context.Context) error {
	return s.opts.Store.Ping(ctx)
}

// Entities returns the top entities of a cluster from the graph.
func (s *Service) Entities(ctx context.Context, scopeID string, limit int) ([]graph.EntityCount, error) {
	if s.opts.Entities == nil {
		return nil, ErrNotConfigured
	}
	if _, ok := s.opts.Settings.Current().Cluster(scopeID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCluster, scopeID)
	}
	return s.opts.Entities.TopEntities(ctx, scopeID, limit)
}

// Search finds posts similar to query, optionally within one cluster.
func (s *Service) Search(ctx context.Context, query, scopeID string, limit int) ([]semantic.SearchResult, error) {
	if s.opts.Search == nil {
		return nil, ErrNotConfigured
	}
	return s.opts.Search.SearchPosts(ctx, query, scopeID, limit)
}
