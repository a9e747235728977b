package semantic

import (
	"context"
	"fmt"
	"strings"
)

// QueryEmbedder embeds free text. *ollama.Client satisfies it.
type QueryEmbedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

type vectorSearcher interface {
	Search(ctx context.Context, embedding []float32, topK int, scopeID string) ([]SearchResult, error)
}

// TextSearch answers free-text queries by embedding them with the same model
// used for posts.
type TextSearch struct {
	embedder QueryEmbedder
	model    string
	store    vectorSearcher
}

func NewTextSearch(e QueryEmbedder, model string, store vectorSearcher) *TextSearch {
	return &TextSearch{embedder: e, model: model, store: store}
}

// SearchPosts returns the posts most similar to query.
func (s *TextSearch) SearchPosts(ctx context.Context, query, scopeID string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("semantic: empty query")
	}
	vec, err := s.embedder.Embed(ctx, s.model, query)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query: %w", err)
	}
	return s.store.Search(ctx, vec, limit, scopeID)
}
