package config

import (
	"os"
	"strconv"
)

// applyEnv overlays PULSE_* variables on s. Unparsable values are ignored.
func applyEnv(s *Settings) {
	p := &s.Pipeline
	envBool("PULSE_ENABLE_AUTO_COLLECTION", &p.EnableAutoCollection)
	envBool("PULSE_ENABLE_AUTO_PROCESSING", &p.EnableAutoProcessing)
	envInt("PULSE_COLLECTION_INTERVAL_MINUTES", &p.CollectionIntervalMinutes)
	envInt("PULSE_PROCESSING_INTERVAL_MINUTES", &p.ProcessingIntervalMinutes)
	envInt("PULSE_BATCH_SIZE", &p.BatchSize)
	envInt("PULSE_MAX_IN_FLIGHT", &p.MaxInFlight)
	envInt("PULSE_LEASE_TIMEOUT_SECONDS", &p.LeaseTimeoutSeconds)
	envInt("PULSE_MAX_ATTEMPTS", &p.MaxAttempts)
	envInt("PULSE_RETRY_BACKOFF_SECONDS", &p.RetryBackoffSeconds)
	envFloat("PULSE_INTER_BATCH_DELAY_SECONDS", &p.InterBatchDelaySeconds)
	envInt("PULSE_MAX_BATCHES_PER_RUN", &p.MaxBatchesPerRun)
	envInt("PULSE_RUN_TIMEOUT_SECONDS", &p.RunTimeoutSeconds)
	envFloat("PULSE_LLM_REQUESTS_PER_SECOND", &p.LLMRequestsPerSecond)
	envInt("PULSE_LLM_TIMEOUT_SECONDS", &p.LLMTimeoutSeconds)

	c := &s.Collectors
	envInt("PULSE_COLLECTOR_RETRY_ATTEMPTS", &c.RetryAttempts)
	envInt("PULSE_COLLECTOR_RETRY_BASE_DELAY_MS", &c.RetryBaseDelayMS)
	envInt("PULSE_QUOTA_COOLDOWN_MINUTES", &c.QuotaCooldownMinutes)
	envString("PULSE_X_BEARER_TOKEN", &c.X.BearerToken)
	envString("PULSE_FACEBOOK_ACCESS_TOKEN", &c.Facebook.AccessToken)
	envString("PULSE_YOUTUBE_API_KEY", &c.YouTube.APIKey)

	in := &s.Infra
	envString("PULSE_HTTP_ADDR", &in.HTTPAddr)
	envString("PULSE_STORE_DRIVER", &in.StoreDriver)
	envString("PULSE_STORE_DSN", &in.StoreDSN)
	envString("PULSE_NATS_URL", &in.NATSURL)
	envString("PULSE_NEO4J_URL", &in.Neo4jURL)
	envString("PULSE_NEO4J_USER", &in.Neo4jUser)
	envString("PULSE_NEO4J_PASS", &in.Neo4jPass)
	envString("PULSE_QDRANT_ADDR", &in.QdrantAddr)
	envString("PULSE_QDRANT_COLLECTION", &in.QdrantCollection)
	envString("PULSE_LLM_BACKEND", &in.LLMBackend)
	envString("PULSE_OLLAMA_URL", &in.OllamaURL)
	envString("PULSE_OLLAMA_MODEL", &in.OllamaModel)
	envString("PULSE_EMBED_MODEL", &in.EmbedModel)
	envString("PULSE_GEMINI_API_KEY", &in.GeminiAPIKey)
	envString("PULSE_GEMINI_MODEL", &in.GeminiModel)
	envString("OTEL_EXPORTER_OTLP_ENDPOINT", &in.OTLPEndpoint)
	envString("PULSE_OTLP_ENDPOINT", &in.OTLPEndpoint)
	envFloat("PULSE_TRACE_SAMPLE_RATIO", &in.TraceSampleRatio)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
