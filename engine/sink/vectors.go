package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/engine/semantic"
)

// Embedder turns text into a vector. *ollama.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// VectorWriter is the subset of *semantic.VectorStore the Vectors sink uses.
type VectorWriter interface {
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// Vectors embeds each post and upserts it into the vector store. The
// collection is created on first delivery, sized to the first embedding.
type Vectors struct {
	embedder Embedder
	model    string
	store    VectorWriter

	mu    sync.Mutex
	ready bool
}

func NewVectors(e Embedder, model string, store VectorWriter) *Vectors {
	return &Vectors{embedder: e, model: model, store: store}
}

func (v *Vectors) Deliver(ctx context.Context, p domain.Post) error {
	vec, err := v.embedder.Embed(ctx, v.model, semantic.EmbeddingText(p))
	if err != nil {
		return fmt.Errorf("sink: embed %s: %w", p.ID, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("sink: embed %s: empty vector", p.ID)
	}
	if err := v.ensure(ctx, len(vec)); err != nil {
		return err
	}
	if err := v.store.Upsert(ctx, []semantic.VectorRecord{semantic.PostRecord(p, vec)}); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	return nil
}

func (v *Vectors) ensure(ctx context.Context, dims int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ready {
		return nil
	}
	if err := v.store.EnsureCollection(ctx, dims); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	v.ready = true
	return nil
}
