package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/socialpulse/pulse/engine/collector"
	"github.com/socialpulse/pulse/engine/config"
	"github.com/socialpulse/pulse/engine/control"
	"github.com/socialpulse/pulse/engine/coordinator"
	"github.com/socialpulse/pulse/engine/enrich"
	"github.com/socialpulse/pulse/engine/graph"
	"github.com/socialpulse/pulse/engine/llm"
	"github.com/socialpulse/pulse/engine/rawstore"
	"github.com/socialpulse/pulse/engine/semantic"
	"github.com/socialpulse/pulse/engine/sink"
	"github.com/socialpulse/pulse/pkg/metrics"
	"github.com/socialpulse/pulse/pkg/ollama"
)

// app is the wired pipeline shared by serve and the one-shot commands.
type app struct {
	settings *config.Store
	store    rawstore.Store
	metrics  *metrics.Registry
	coord    *coordinator.Coordinator
	batcher  *enrich.Batcher
	svc      *control.Service
	nc       *nats.Conn
	logger   *slog.Logger

	closers []func() error
}

// newApp opens the raw store, migrates it and connects every configured
// downstream service. Optional services (NATS, Neo4j, Qdrant) are skipped
// when their address is empty.
func newApp(ctx context.Context, path string, s config.Settings, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		settings: config.NewStore(path, s, logger),
		metrics:  metrics.New(),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	in := s.Infra
	a.store, err = rawstore.Open(ctx, in.StoreDriver, in.StoreDSN)
	if err != nil {
		return nil, err
	}
	a.onClose(a.store.Close)
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	httpClient := collector.DefaultHTTPClient()
	a.coord = coordinator.New(coordinator.Options{
		Store:         a.store,
		Collectors:    collector.NewRegistry(s.Collectors, collector.Options{HTTPClient: httpClient, Logger: logger}),
		QuotaCooldown: s.Collectors.QuotaCooldown(),
		Metrics:       a.metrics,
		Logger:        logger,
	})

	ollamaClient := ollama.New(in.OllamaURL, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
	client, err := newLLM(ctx, in, ollamaClient)
	if err != nil {
		return nil, err
	}

	var (
		sinks    sink.Fanout
		entities control.EntityReader
		search   control.PostSearcher
	)

	if in.NATSURL != "" {
		a.nc, err = nats.Connect(in.NATSURL, nats.Name("pulse"))
		if err != nil {
			return nil, fmt.Errorf("nats connect %s: %w", in.NATSURL, err)
		}
		a.onClose(func() error { return a.nc.Drain() })
		sinks = append(sinks, sink.NewNATSPublisher(a.nc))
		logger.Info("nats connected", "url", in.NATSURL)
	}

	if in.Neo4jURL != "" {
		driver, err := graph.Connect(ctx, in.Neo4jURL, in.Neo4jUser, in.Neo4jPass)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { return driver.Close(context.Background()) })
		w := graph.New(driver)
		if err := w.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, sink.Func(w.WritePost))
		entities = w
		logger.Info("neo4j connected", "url", in.Neo4jURL)
	}

	if in.QdrantAddr != "" {
		vs, err := semantic.New(in.QdrantAddr, in.QdrantCollection)
		if err != nil {
			return nil, err
		}
		a.onClose(vs.Close)
		sinks = append(sinks, sink.NewVectors(ollamaClient, in.EmbedModel, vs))
		search = semantic.NewTextSearch(ollamaClient, in.EmbedModel, vs)
		logger.Info("qdrant connected", "addr", in.QdrantAddr, "collection", in.QdrantCollection)
	}

	var out sink.Sink = sink.Discard
	if len(sinks) > 0 {
		out = sinks
	}
	a.batcher = enrich.New(enrich.Options{
		Store:    a.store,
		Client:   client,
		Sink:     out,
		Settings: a.settings,
		Metrics:  a.metrics,
		Logger:   logger,
	})

	a.svc = control.New(control.Options{
		Settings:    a.settings,
		Coordinator: a.coord,
		Batcher:     a.batcher,
		Store:       a.store,
		Entities:    entities,
		Search:      search,
		Logger:      logger,
	})
	return a, nil
}

func newLLM(ctx context.Context, in config.Infra, oc *ollama.Client) (llm.Client, error) {
	switch in.LLMBackend {
	case "gemini":
		return llm.NewGemini(ctx, llm.GeminiOptions{APIKey: in.GeminiAPIKey, Model: in.GeminiModel})
	case "ollama", "":
		return llm.NewOllama(oc, in.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", in.LLMBackend)
	}
}

func (a *app) onClose(f func() error) { a.closers = append(a.closers, f) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
