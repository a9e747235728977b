package semantic

import (
	"github.com/socialpulse/pulse/engine/domain"
)

// SearchResult is one similar post returned by a vector search.
type SearchResult struct {
	PostID    string  `json:"post_id"`
	Score     float32 `json:"score"`
	ScopeID   string  `json:"scope_id"`
	Platform  string  `json:"platform"`
	Summary   string  `json:"summary"`
	Sentiment string  `json:"sentiment"`
	URL       string  `json:"url,omitempty"`
}

// VectorRecord is a single point to store in Qdrant. ID must be a UUID.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// PostRecord builds the point for an enriched post. The point id is the raw
// record id, so re-upserting a post replaces its previous vector.
func PostRecord(p domain.Post, embedding []float32) VectorRecord {
	payload := map[string]any{
		"post_id":      p.ID,
		"scope_id":     p.ScopeID,
		"platform":     string(p.Platform),
		"summary":      p.Summary,
		"sentiment":    p.Sentiment,
		"threat_score": p.ThreatScore,
	}
	if p.URL != "" {
		payload["url"] = p.URL
	}
	if !p.PublishedAt.IsZero() {
		payload["published_at"] = p.PublishedAt.Unix()
	}
	return VectorRecord{ID: p.RawRecordID, Embedding: embedding, Payload: payload}
}

// EmbeddingText is the text embedded for a post: the summary followed by the
// original text.
func EmbeddingText(p domain.Post) string {
	if p.Summary == "" {
		return p.Text
	}
	return p.Summary + "\n\n" + p.Text
}
