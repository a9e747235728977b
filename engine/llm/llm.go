// Package llm extracts structured enrichment from raw records with a
// language model. Clients are stateless and never retry; the batcher owns
// retry and rate policy.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/socialpulse/pulse/engine/domain"
)

// Client enriches one raw record.
type Client interface {
	Enrich(ctx context.Context, rec domain.RawRecord) (domain.Enrichment, error)
}

// maxPromptRunes bounds the post text embedded in a prompt.
const maxPromptRunes = 6000

const systemPrompt = `You analyse social media posts for brand monitoring.
Reply with a single JSON object and nothing else, using exactly these keys:
  "sentiment": one of "positive", "negative", "neutral", "mixed"
  "sentiment_score": number from -1 (very negative) to 1 (very positive)
  "summary": one sentence in English
  "entities": array of {"name": string, "type": "person"|"organization"|"product"|"location"|"event"|"other"}
  "keywords": array of up to 8 short strings
  "language": ISO 639-1 code of the post
  "threat_score": number from 0 (harmless) to 1 (reputational or safety threat)`

// BuildPrompt renders the user prompt for rec.
func BuildPrompt(rec domain.RawRecord) string {
	text := rec.Text
	if r := []rune(text); len(r) > maxPromptRunes {
		text = string(r[:maxPromptRunes])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Platform: %s\n", rec.Platform)
	if rec.Author != "" {
		fmt.Fprintf(&b, "Author: %s\n", rec.Author)
	}
	if !rec.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "Published: %s\n", rec.PublishedAt.Format("2006-01-02"))
	}
	b.WriteString("Post:\n\"\"\"\n")
	b.WriteString(text)
	b.WriteString("\n\"\"\"")
	return b.String()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseEnrichment decodes and validates a model response. Anything that does
// not match the expected object is a PARSE error.
func ParseEnrichment(raw []byte) (domain.Enrichment, error) {
	body := stripFence(bytes.TrimSpace(raw))
	if len(body) == 0 {
		return domain.Enrichment{}, domain.NewEnrichmentError(domain.KindParse, errors.New("empty response"))
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var e domain.Enrichment
	if err := dec.Decode(&e); err != nil {
		return domain.Enrichment{}, domain.NewEnrichmentError(domain.KindParse, fmt.Errorf("decode: %w", err))
	}
	if dec.More() {
		return domain.Enrichment{}, domain.NewEnrichmentError(domain.KindParse, errors.New("trailing data after object"))
	}
	e.Sentiment = strings.ToLower(strings.TrimSpace(e.Sentiment))
	e.Summary = strings.TrimSpace(e.Summary)
	if err := validate.Struct(e); err != nil {
		return domain.Enrichment{}, domain.NewEnrichmentError(domain.KindParse, fmt.Errorf("schema: %w", err))
	}
	if e.Entities == nil {
		e.Entities = []domain.Entity{}
	}
	if e.Keywords == nil {
		e.Keywords = []string{}
	}
	return e, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(b []byte) []byte {
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = b[3:]
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	b = bytes.TrimSpace(b)
	b = bytes.TrimSuffix(b, []byte("```"))
	return bytes.TrimSpace(b)
}

// classify maps a transport failure to an enrichment error kind. status is
// the upstream HTTP status or 0 when unknown.
func classify(ctx context.Context, status int, err error) error {
	var ee *domain.EnrichmentError
	if errors.As(err, &ee) {
		return ee
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.NewEnrichmentError(domain.KindTimeout, err)
	case errors.As(err, &ne) && ne.Timeout():
		return domain.NewEnrichmentError(domain.KindTimeout, err)
	case status == 429:
		return domain.NewEnrichmentError(domain.KindRateLimit, err)
	case status == 408 || status == 504:
		return domain.NewEnrichmentError(domain.KindTimeout, err)
	default:
		return domain.NewEnrichmentError(domain.KindUpstream, err)
	}
}
