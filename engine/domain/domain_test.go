package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in   string
		want Platform
	}{
		{"x", PlatformX},
		{"Twitter", PlatformX},
		{" FB ", PlatformFacebook},
		{"youtube", PlatformYouTube},
		{"google-news", PlatformGoogleNews},
	}
	for _, tt := range tests {
		got, err := ParsePlatform(tt.in)
		if err != nil {
			t.Fatalf("ParsePlatform(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePlatform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	_, err := ParsePlatform("myspace")
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "platform" {
		t.Fatalf("expected ValidationError on platform, got %v", err)
	}
}

func TestScopeQueryAndMatch(t *testing.T) {
	s := ClusterScope{
		ID:        "acme",
		Keywords:  []string{"acme", "acme rockets", " ", "ACME-X"},
		Platforms: map[Platform]bool{PlatformYouTube: true, PlatformX: true, PlatformFacebook: false},
	}
	if got, want := s.Query(), `acme OR "acme rockets" OR ACME-X`; got != want {
		t.Errorf("Query() = %q, want %q", got, want)
	}
	if !s.Matches("New ACME rockets launched") {
		t.Error("expected case-insensitive match")
	}
	if s.Matches("nothing relevant") {
		t.Error("unexpected match")
	}
	got := s.EnabledPlatforms()
	if len(got) != 2 || got[0] != PlatformX || got[1] != PlatformYouTube {
		t.Errorf("EnabledPlatforms() = %v", got)
	}
}

func TestValidateCandidate(t *testing.T) {
	ok := Candidate{Platform: PlatformX, ExternalID: "1", ScopeID: "s", Text: "hi"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid candidate rejected: %v", err)
	}
	if ok.Key() != "x:1" {
		t.Errorf("Key() = %q", ok.Key())
	}

	cases := map[string]Candidate{
		"platform":    {Platform: "nope", ExternalID: "1", ScopeID: "s", Text: "hi"},
		"external_id": {Platform: PlatformX, ScopeID: "s", Text: "hi"},
		"scope_id":    {Platform: PlatformX, ExternalID: "1", Text: "hi"},
		"text":        {Platform: PlatformX, ExternalID: "1", ScopeID: "s", Text: "  "},
	}
	for field, c := range cases {
		err := ValidateCandidate(c)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != field {
			t.Errorf("%s: got %v", field, err)
		}
	}
}

func TestTruncateText(t *testing.T) {
	short := "héllo"
	if TruncateText(short) != short {
		t.Fatal("short text changed")
	}
	long := strings.Repeat("é", maxTextRunes+10)
	if got := []rune(TruncateText(long)); len(got) != maxTextRunes {
		t.Fatalf("truncated to %d runes", len(got))
	}
}

func TestNewPostAndValidate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := RawRecord{ID: "r1", Platform: PlatformYouTube, ScopeID: "acme", Text: "video", CollectedAt: now.Add(-time.Hour)}
	p := NewPost(rec, Enrichment{Sentiment: "positive", SentimentScore: 0.7, Summary: "good", ThreatScore: 0.1, Model: "m"}, now)

	if p.ID != "post:r1" || p.RawRecordID != "r1" {
		t.Fatalf("ids = %q/%q", p.ID, p.RawRecordID)
	}
	if p.Platform != PlatformYouTube || p.ScopeID != "acme" || !p.EnrichedAt.Equal(now) || p.Model != "m" {
		t.Fatalf("post not derived from record: %+v", p)
	}
	if err := ValidatePost(p); err != nil {
		t.Fatalf("ValidatePost: %v", err)
	}

	p.SentimentScore = 1.5
	if err := ValidatePost(p); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected range error, got %v", err)
	}
}

func TestCollectionRunResolve(t *testing.T) {
	tests := []struct {
		name  string
		stats map[Platform]*PlatformStats
		want  RunStatus
	}{
		{"none", nil, RunFailed},
		{"all ok", map[Platform]*PlatformStats{PlatformX: {Fetched: 2, New: 2}, PlatformYouTube: {}}, RunComplete},
		{"one failed", map[Platform]*PlatformStats{PlatformX: {New: 1}, PlatformYouTube: {Failed: true}}, RunPartial},
		{"all failed", map[Platform]*PlatformStats{PlatformX: {Failed: true}}, RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := CollectionRun{ID: "r", Platforms: tt.stats}
			r.Resolve()
			if r.Status != tt.want {
				t.Fatalf("status = %s, want %s", r.Status, tt.want)
			}
		})
	}

	r := CollectionRun{Platforms: map[Platform]*PlatformStats{
		PlatformX:       {Fetched: 3, New: 2, Duplicate: 1},
		PlatformYouTube: {Fetched: 1, Malformed: 1},
	}}
	tot := r.Totals()
	if tot.Fetched != 4 || tot.New != 2 || tot.Duplicate != 1 || tot.Malformed != 1 {
		t.Fatalf("totals = %+v", tot)
	}
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")
	cerr := fmt.Errorf("wrapped: %w", NewCollectionError(PlatformX, KindQuota, base))
	if !IsCollectionKind(cerr, KindQuota) || IsCollectionKind(cerr, KindAuth) {
		t.Fatal("collection kind mismatch")
	}
	if !errors.Is(cerr, base) {
		t.Fatal("CollectionError should unwrap to cause")
	}
	if k, ok := KindOf(cerr); !ok || k != KindQuota {
		t.Fatalf("KindOf = %v %v", k, ok)
	}

	eerr := NewEnrichmentError(KindParse, base)
	if !IsEnrichmentKind(eerr, KindParse) || !IsKind(eerr, KindParse) {
		t.Fatal("enrichment kind mismatch")
	}

	serr := NewStoreError(KindLeaseExpired, "r1", nil)
	if !IsStoreKind(serr, KindLeaseExpired) {
		t.Fatal("store kind mismatch")
	}
	if !strings.Contains(serr.Error(), "r1") {
		t.Fatalf("store error text %q", serr.Error())
	}
	if _, ok := KindOf(base); ok {
		t.Fatal("plain error should have no kind")
	}
}
