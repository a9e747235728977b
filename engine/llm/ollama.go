package llm

import (
	"context"
	"errors"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/ollama"
)

// Ollama enriches through a local Ollama server in JSON mode.
type Ollama struct {
	client *ollama.Client
	model  string
}

func NewOllama(client *ollama.Client, model string) *Ollama {
	return &Ollama{client: client, model: model}
}

func (o *Ollama) Enrich(ctx context.Context, rec domain.RawRecord) (domain.Enrichment, error) {
	out, err := o.client.Generate(ctx, ollama.GenerateRequest{
		Model:   o.model,
		System:  systemPrompt,
		Prompt:  BuildPrompt(rec),
		Format:  "json",
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		var se *ollama.StatusError
		status := 0
		if errors.As(err, &se) {
			status = se.Code
		}
		return domain.Enrichment{}, classify(ctx, status, err)
	}
	e, err := ParseEnrichment([]byte(out))
	if err != nil {
		return domain.Enrichment{}, err
	}
	e.Model = "ollama:" + o.model
	return e, nil
}
