// Package domain defines the records that flow through the pipeline: raw
// platform payloads, the enriched posts derived from them, the cluster scopes
// that drive collection, and the error taxonomy shared by every stage.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Platform identifies an upstream social or news source.
type Platform string

const (
	PlatformX          Platform = "x"
	PlatformFacebook   Platform = "facebook"
	PlatformYouTube    Platform = "youtube"
	PlatformGoogleNews Platform = "googlenews"
)

// AllPlatforms lists the known platforms in a stable order.
func AllPlatforms() []Platform {
	return []Platform{PlatformX, PlatformFacebook, PlatformYouTube, PlatformGoogleNews}
}

// ParsePlatform maps a name (case-insensitive, a few aliases) to a Platform.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x", "twitter":
		return PlatformX, nil
	case "facebook", "fb":
		return PlatformFacebook, nil
	case "youtube", "yt":
		return PlatformYouTube, nil
	case "googlenews", "google_news", "google-news", "news":
		return PlatformGoogleNews, nil
	}
	return "", NewValidationError("platform", s, ErrUnknownPlatform)
}

// Classification tells whether a cluster tracks the owner organisation or a competitor.
type Classification string

const (
	ClassOwner      Classification = "owner"
	ClassCompetitor Classification = "competitor"
)

// ClusterScope is a tracking configuration: what to search for and where.
// The pipeline only reads it.
type ClusterScope struct {
	ID              string            `yaml:"id" json:"id" validate:"required"`
	Name            string            `yaml:"name" json:"name"`
	Keywords        []string          `yaml:"keywords" json:"keywords" validate:"required,min=1,dive,required"`
	Platforms       map[Platform]bool `yaml:"platforms" json:"platforms"`
	Classification  Classification    `yaml:"classification" json:"classification" validate:"omitempty,oneof=owner competitor"`
	FacebookPageIDs []string          `yaml:"facebook_page_ids" json:"facebook_page_ids,omitempty"`
	Language        string            `yaml:"language" json:"language,omitempty"`
	Region          string            `yaml:"region" json:"region,omitempty"`
}

// Enabled reports whether collection on p is switched on for the scope.
func (s ClusterScope) Enabled(p Platform) bool {
	return s.Platforms[p]
}

// EnabledPlatforms returns the enabled platforms in AllPlatforms order.
func (s ClusterScope) EnabledPlatforms() []Platform {
	var out []Platform
	for _, p := range AllPlatforms() {
		if s.Enabled(p) {
			out = append(out, p)
		}
	}
	return out
}

// Query renders the keywords as an OR search expression, quoting multi-word terms.
func (s ClusterScope) Query() string {
	terms := make([]string, 0, len(s.Keywords))
	for _, kw := range s.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.ContainsAny(kw, " \t") {
			kw = `"` + kw + `"`
		}
		terms = append(terms, kw)
	}
	return strings.Join(terms, " OR ")
}

// Matches reports whether text mentions any of the scope keywords.
func (s ClusterScope) Matches(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range s.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Candidate is one upstream item as normalised by a collector, before storage.
type Candidate struct {
	Platform    Platform        `json:"platform"`
	ExternalID  string          `json:"external_id"`
	ScopeID     string          `json:"scope_id"`
	Text        string          `json:"text"`
	Author      string          `json:"author,omitempty"`
	URL         string          `json:"url,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Key returns the dedup key "platform:external_id".
func (c Candidate) Key() string {
	return string(c.Platform) + ":" + c.ExternalID
}

// RecordStatus is the processing state of a raw record.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusProcessed RecordStatus = "processed"
	StatusFailed    RecordStatus = "failed"
)

// RawRecord is a stored upstream payload awaiting or past enrichment.
type RawRecord struct {
	ID          string          `json:"id"`
	Platform    Platform        `json:"platform"`
	ExternalID  string          `json:"external_id"`
	ScopeID     string          `json:"scope_id"`
	Text        string          `json:"text"`
	Author      string          `json:"author,omitempty"`
	URL         string          `json:"url,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
	Payload     json.RawMessage `json:"payload"`
	CollectedAt time.Time       `json:"collected_at"`

	Status         RecordStatus `json:"status"`
	Attempts       int          `json:"process_attempts"`
	LastError      string       `json:"last_error,omitempty"`
	LeaseOwner     string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time    `json:"lease_expires_at,omitempty"`
}

// Processed reports whether enrichment has completed for the record.
func (r RawRecord) Processed() bool { return r.Status == StatusProcessed }

// Entity is a named thing the model found in a post.
type Entity struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type" validate:"required"`
}

// Enrichment is the structured output extracted from one raw record.
type Enrichment struct {
	Sentiment      string   `json:"sentiment" validate:"required,oneof=positive negative neutral mixed"`
	SentimentScore float64  `json:"sentiment_score" validate:"gte=-1,lte=1"`
	Summary        string   `json:"summary" validate:"required"`
	Entities       []Entity `json:"entities" validate:"dive"`
	Keywords       []string `json:"keywords"`
	Language       string   `json:"language"`
	ThreatScore    float64  `json:"threat_score" validate:"gte=0,lte=1"`
	Model          string   `json:"-"`
}

// Post is an enriched item ready for display and alerting.
type Post struct {
	ID             string    `json:"id"`
	RawRecordID    string    `json:"raw_record_id"`
	Platform       Platform  `json:"platform"`
	ScopeID        string    `json:"scope_id"`
	Text           string    `json:"text"`
	Summary        string    `json:"summary"`
	Sentiment      string    `json:"sentiment"`
	SentimentScore float64   `json:"sentiment_score"`
	Entities       []Entity  `json:"entities"`
	Keywords       []string  `json:"keywords"`
	Language       string    `json:"language,omitempty"`
	ThreatScore    float64   `json:"threat_score"`
	Model          string    `json:"model,omitempty"`
	Author         string    `json:"author,omitempty"`
	URL            string    `json:"url,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
	CollectedAt    time.Time `json:"collected_at"`
	EnrichedAt     time.Time `json:"enriched_at"`
}

// NewPost builds the post for rec. The post id is derived from the record id so
// that re-enriching the same record can never mint a second post.
func NewPost(rec RawRecord, e Enrichment, now time.Time) Post {
	return Post{
		ID:             "post:" + rec.ID,
		RawRecordID:    rec.ID,
		Platform:       rec.Platform,
		ScopeID:        rec.ScopeID,
		Text:           rec.Text,
		Summary:        e.Summary,
		Sentiment:      e.Sentiment,
		SentimentScore: e.SentimentScore,
		Entities:       e.Entities,
		Keywords:       e.Keywords,
		Language:       e.Language,
		ThreatScore:    e.ThreatScore,
		Model:          e.Model,
		Author:         rec.Author,
		URL:            rec.URL,
		PublishedAt:    rec.PublishedAt,
		CollectedAt:    rec.CollectedAt,
		EnrichedAt:     now,
	}
}

// RunStatus summarises a collection run.
type RunStatus string

const (
	RunComplete RunStatus = "complete"
	RunPartial  RunStatus = "partial"
	RunFailed   RunStatus = "failed"
)

// PlatformStats counts what one collector produced during a run.
type PlatformStats struct {
	Fetched   int       `json:"fetched"`
	New       int       `json:"new"`
	Duplicate int       `json:"duplicate"`
	Malformed int       `json:"malformed"`
	Failed    bool      `json:"failed"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CollectionRun is the observable outcome of collecting one scope.
type CollectionRun struct {
	ID         string                      `json:"id"`
	ScopeID    string                      `json:"scope_id"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Status     RunStatus                   `json:"status"`
	Platforms  map[Platform]*PlatformStats `json:"platforms"`
}

// Totals sums the per-platform counters.
func (r CollectionRun) Totals() PlatformStats {
	var t PlatformStats
	for _, s := range r.Platforms {
		t.Fetched += s.Fetched
		t.New += s.New
		t.Duplicate += s.Duplicate
		t.Malformed += s.Malformed
	}
	return t
}

// Resolve sets Status from the per-platform outcomes.
func (r *CollectionRun) Resolve() {
	failed := 0
	for _, s := range r.Platforms {
		if s.Failed {
			failed++
		}
	}
	switch {
	case len(r.Platforms) == 0 || failed == len(r.Platforms):
		r.Status = RunFailed
	case failed > 0:
		r.Status = RunPartial
	default:
		r.Status = RunComplete
	}
}

func (r CollectionRun) String() string {
	t := r.Totals()
	return fmt.Sprintf("run %s scope=%s status=%s fetched=%d new=%d dup=%d malformed=%d",
		r.ID, r.ScopeID, r.Status, t.Fetched, t.New, t.Duplicate, t.Malformed)
}
