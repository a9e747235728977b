package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/socialpulse/pulse/engine/domain"
)

// Gemini enriches through the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// GeminiOptions configures NewGemini. BaseURL overrides the API endpoint.
type GeminiOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.0-flash"
	}
	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Gemini{client: client, model: opts.Model}, nil
}

func (g *Gemini) Enrich(ctx context.Context, rec domain.RawRecord) (domain.Enrichment, error) {
	var temp float32
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(BuildPrompt(rec)), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       &temp,
	})
	if err != nil {
		return domain.Enrichment{}, classify(ctx, apiStatus(err), err)
	}
	text := resp.Text()
	if text == "" {
		return domain.Enrichment{}, domain.NewEnrichmentError(domain.KindUpstream, errors.New("gemini returned no candidates"))
	}
	e, err := ParseEnrichment([]byte(text))
	if err != nil {
		return domain.Enrichment{}, err
	}
	e.Model = "gemini:" + g.model
	return e, nil
}

func apiStatus(err error) int {
	var ae genai.APIError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return 0
}
