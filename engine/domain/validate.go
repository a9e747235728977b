package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxTextRunes caps how much text a single record may carry into storage.
const maxTextRunes = 20000

// ValidateCandidate checks a collector's output before it reaches the store.
func ValidateCandidate(c Candidate) error {
	if _, err := ParsePlatform(string(c.Platform)); err != nil {
		return err
	}
	if strings.TrimSpace(c.ExternalID) == "" {
		return NewValidationError("external_id", c.ExternalID, ErrEmptyField)
	}
	if strings.TrimSpace(c.ScopeID) == "" {
		return NewValidationError("scope_id", c.ScopeID, ErrEmptyField)
	}
	if strings.TrimSpace(c.Text) == "" {
		return NewValidationError("text", "", ErrEmptyField)
	}
	return nil
}

// TruncateText shortens s to at most maxTextRunes runes.
func TruncateText(s string) string {
	if utf8.RuneCountInString(s) <= maxTextRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxTextRunes])
}

// ValidatePost checks the invariants every stored post must satisfy.
func ValidatePost(p Post) error {
	if p.RawRecordID == "" {
		return NewValidationError("raw_record_id", "", ErrEmptyField)
	}
	if p.Summary == "" {
		return NewValidationError("summary", "", ErrEmptyField)
	}
	if p.SentimentScore < -1 || p.SentimentScore > 1 {
		return NewValidationError("sentiment_score", strconv.FormatFloat(p.SentimentScore, 'g', -1, 64), ErrInvalidRange)
	}
	if p.ThreatScore < 0 || p.ThreatScore > 1 {
		return NewValidationError("threat_score", strconv.FormatFloat(p.ThreatScore, 'g', -1, 64), ErrInvalidRange)
	}
	return nil
}

// Validate is shorthand for ValidateCandidate.
func (c Candidate) Validate() error { return ValidateCandidate(c) }
