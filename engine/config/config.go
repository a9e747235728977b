// Package config holds the pipeline settings. Settings come from a YAML file,
// optional .env files and PULSE_* environment variables, and live in a Store
// that the scheduler re-reads on every tick.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/socialpulse/pulse/engine/domain"
)

// Pipeline is the hot part of the configuration.
type Pipeline struct {
	EnableAutoCollection      bool    `yaml:"enable_auto_collection" json:"enable_auto_collection"`
	EnableAutoProcessing      bool    `yaml:"enable_auto_processing" json:"enable_auto_processing"`
	CollectionIntervalMinutes int     `yaml:"collection_interval_minutes" json:"collection_interval_minutes" validate:"min=1"`
	ProcessingIntervalMinutes int     `yaml:"processing_interval_minutes" json:"processing_interval_minutes" validate:"min=1"`
	BatchSize                 int     `yaml:"batch_size" json:"batch_size" validate:"min=1,max=1000"`
	MaxInFlight               int     `yaml:"max_in_flight" json:"max_in_flight" validate:"min=1,max=256"`
	LeaseTimeoutSeconds       int     `yaml:"lease_timeout_seconds" json:"lease_timeout_seconds" validate:"min=1"`
	MaxAttempts               int     `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	RetryBackoffSeconds       int     `yaml:"retry_backoff_seconds" json:"retry_backoff_seconds" validate:"gte=0"`
	InterBatchDelaySeconds    float64 `yaml:"inter_batch_delay_seconds" json:"inter_batch_delay_seconds" validate:"gte=0"`
	MaxBatchesPerRun          int     `yaml:"max_batches_per_run" json:"max_batches_per_run" validate:"gte=0"`
	RunTimeoutSeconds         int     `yaml:"run_timeout_seconds" json:"run_timeout_seconds" validate:"gte=0"`
	LLMRequestsPerSecond      float64 `yaml:"llm_requests_per_second" json:"llm_requests_per_second" validate:"gte=0"`
	LLMTimeoutSeconds         int     `yaml:"llm_timeout_seconds" json:"llm_timeout_seconds" validate:"min=1"`
}

func (p Pipeline) CollectionInterval() time.Duration {
	return time.Duration(p.CollectionIntervalMinutes) * time.Minute
}

func (p Pipeline) ProcessingInterval() time.Duration {
	return time.Duration(p.ProcessingIntervalMinutes) * time.Minute
}

func (p Pipeline) LeaseTimeout() time.Duration {
	return time.Duration(p.LeaseTimeoutSeconds) * time.Second
}

// maxRetryBackoff caps the delay before a failed record is retried.
const maxRetryBackoff = time.Hour

// RetryBackoff is how long a record waits after its attempt-th failure
// before it can be claimed again. The delay doubles per attempt.
func (p Pipeline) RetryBackoff(attempt int) time.Duration {
	d := time.Duration(p.RetryBackoffSeconds) * time.Second
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

func (p Pipeline) InterBatchDelay() time.Duration {
	return time.Duration(p.InterBatchDelaySeconds * float64(time.Second))
}

// RunTimeout is zero when runs are unbounded.
func (p Pipeline) RunTimeout() time.Duration {
	return time.Duration(p.RunTimeoutSeconds) * time.Second
}

func (p Pipeline) LLMTimeout() time.Duration {
	return time.Duration(p.LLMTimeoutSeconds) * time.Second
}

// Collectors configures the platform clients.
type Collectors struct {
	RetryAttempts        int     `yaml:"retry_attempts" json:"retry_attempts" validate:"min=1,max=10"`
	RetryBaseDelayMS     int     `yaml:"retry_base_delay_ms" json:"retry_base_delay_ms" validate:"gte=0"`
	RetryMaxDelayMS      int     `yaml:"retry_max_delay_ms" json:"retry_max_delay_ms" validate:"gte=0"`
	QuotaCooldownMinutes int     `yaml:"quota_cooldown_minutes" json:"quota_cooldown_minutes" validate:"min=1"`
	RequestsPerSecond    float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	MaxResults           int     `yaml:"max_results" json:"max_results" validate:"min=1,max=500"`

	X          XConfig          `yaml:"x" json:"x"`
	Facebook   FacebookConfig   `yaml:"facebook" json:"facebook"`
	YouTube    YouTubeConfig    `yaml:"youtube" json:"youtube"`
	GoogleNews GoogleNewsConfig `yaml:"googlenews" json:"googlenews"`
}

func (c Collectors) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c Collectors) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

func (c Collectors) QuotaCooldown() time.Duration {
	return time.Duration(c.QuotaCooldownMinutes) * time.Minute
}

type XConfig struct {
	BearerToken string `yaml:"bearer_token" json:"-"`
	BaseURL     string `yaml:"base_url" json:"base_url"`
}

type FacebookConfig struct {
	AccessToken string `yaml:"access_token" json:"-"`
	BaseURL     string `yaml:"base_url" json:"base_url"`
	APIVersion  string `yaml:"api_version" json:"api_version"`
}

type YouTubeConfig struct {
	APIKey  string `yaml:"api_key" json:"-"`
	BaseURL string `yaml:"base_url" json:"base_url"`
}

type GoogleNewsConfig struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Language string `yaml:"language" json:"language"`
	Region   string `yaml:"region" json:"region"`
}

// Infra names the external services the process connects to at startup.
type Infra struct {
	HTTPAddr         string  `yaml:"http_addr" json:"http_addr"`
	StoreDriver      string  `yaml:"store_driver" json:"store_driver" validate:"oneof=sqlite postgres"`
	StoreDSN         string  `yaml:"store_dsn" json:"-" validate:"required"`
	NATSURL          string  `yaml:"nats_url" json:"nats_url"`
	Neo4jURL         string  `yaml:"neo4j_url" json:"neo4j_url"`
	Neo4jUser        string  `yaml:"neo4j_user" json:"neo4j_user"`
	Neo4jPass        string  `yaml:"neo4j_pass" json:"-"`
	QdrantAddr       string  `yaml:"qdrant_addr" json:"qdrant_addr"`
	QdrantCollection string  `yaml:"qdrant_collection" json:"qdrant_collection"`
	LLMBackend       string  `yaml:"llm_backend" json:"llm_backend" validate:"oneof=ollama gemini"`
	OllamaURL        string  `yaml:"ollama_url" json:"ollama_url"`
	OllamaModel      string  `yaml:"ollama_model" json:"ollama_model"`
	EmbedModel       string  `yaml:"embed_model" json:"embed_model"`
	GeminiAPIKey     string  `yaml:"gemini_api_key" json:"-"`
	GeminiModel      string  `yaml:"gemini_model" json:"gemini_model"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio" json:"trace_sample_ratio" validate:"gte=0,lte=1"`
}

// Settings is the whole configuration.
type Settings struct {
	Pipeline   Pipeline              `yaml:"pipeline" json:"pipeline"`
	Collectors Collectors            `yaml:"collectors" json:"collectors"`
	Clusters   []domain.ClusterScope `yaml:"clusters" json:"clusters" validate:"dive"`
	Infra      Infra                 `yaml:"infra" json:"infra"`
}

// Defaults returns settings that work against local services.
func Defaults() Settings {
	return Settings{
		Pipeline: Pipeline{
			EnableAutoCollection:      true,
			EnableAutoProcessing:      true,
			CollectionIntervalMinutes: 60,
			ProcessingIntervalMinutes: 5,
			BatchSize:                 20,
			MaxInFlight:               5,
			LeaseTimeoutSeconds:       300,
			MaxAttempts:               3,
			RetryBackoffSeconds:       60,
			InterBatchDelaySeconds:    2,
			MaxBatchesPerRun:          10,
			RunTimeoutSeconds:         900,
			LLMRequestsPerSecond:      0,
			LLMTimeoutSeconds:         60,
		},
		Collectors: Collectors{
			RetryAttempts:        3,
			RetryBaseDelayMS:     500,
			RetryMaxDelayMS:      10000,
			QuotaCooldownMinutes: 60,
			RequestsPerSecond:    1,
			MaxResults:           50,
			X:                    XConfig{BaseURL: "https://api.twitter.com/2"},
			Facebook:             FacebookConfig{BaseURL: "https://graph.facebook.com", APIVersion: "v19.0"},
			YouTube:              YouTubeConfig{BaseURL: "https://www.googleapis.com/youtube/v3"},
			GoogleNews:           GoogleNewsConfig{BaseURL: "https://news.google.com/rss/search", Language: "en", Region: "US"},
		},
		Infra: Infra{
			HTTPAddr:         ":8080",
			StoreDriver:      "sqlite",
			StoreDSN:         "pulse.db",
			QdrantCollection: "pulse_posts",
			LLMBackend:       "ollama",
			OllamaURL:        "http://localhost:11434",
			OllamaModel:      "llama3.1",
			EmbedModel:       "nomic-embed-text",
			GeminiModel:      "gemini-2.0-flash",
			TraceSampleRatio: 1,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cluster consistency.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	seen := make(map[string]bool, len(s.Clusters))
	for _, c := range s.Clusters {
		if seen[c.ID] {
			return fmt.Errorf("config: duplicate cluster id %q", c.ID)
		}
		seen[c.ID] = true
		for p := range c.Platforms {
			if got, err := domain.ParsePlatform(string(p)); err != nil || got != p {
				return fmt.Errorf("config: cluster %q: unknown platform %q", c.ID, p)
			}
		}
	}
	return nil
}

// Cluster returns the cluster with the given id.
func (s Settings) Cluster(id string) (domain.ClusterScope, bool) {
	for _, c := range s.Clusters {
		if c.ID == id {
			return c, true
		}
	}
	return domain.ClusterScope{}, false
}

// Clone returns a deep copy that can be mutated freely.
func (s Settings) Clone() Settings {
	out := s
	out.Clusters = make([]domain.ClusterScope, len(s.Clusters))
	for i, c := range s.Clusters {
		c.Keywords = append([]string(nil), c.Keywords...)
		c.FacebookPageIDs = append([]string(nil), c.FacebookPageIDs...)
		plat := make(map[domain.Platform]bool, len(c.Platforms))
		for k, v := range c.Platforms {
			plat[k] = v
		}
		c.Platforms = plat
		out.Clusters[i] = c
	}
	return out
}

// Load builds settings from defaults, the YAML file at path (skipped when
// empty) and the environment, then validates them.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeYAML(data, &s); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&s)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func decodeYAML(data []byte, s *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadEnvFiles loads the given .env files into the process environment,
// skipping files that do not exist. Existing variables win.
func LoadEnvFiles(files ...string) ([]string, error) {
	var loaded []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return loaded, fmt.Errorf("config: load %s: %w", f, err)
		}
		loaded = append(loaded, f)
	}
	return loaded, nil
}
