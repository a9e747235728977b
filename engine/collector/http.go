package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/fn"
)

const maxBody = 8 << 20

// classifyFunc maps a non-2xx response to a CollectionError. Returning nil
// defers to the default status mapping.
type classifyFunc func(status int, body []byte) error

// fetcher performs rate limited GETs with retry on transient failures.
type fetcher struct {
	platform domain.Platform
	opts     Options
	classify classifyFunc
}

func newFetcher(p domain.Platform, opts Options, classify classifyFunc) *fetcher {
	return &fetcher{platform: p, opts: opts.withDefaults(), classify: classify}
}

func (f *fetcher) fail(kind domain.ErrorKind, format string, args ...any) error {
	return domain.NewCollectionError(f.platform, kind, fmt.Errorf(format, args...))
}

// get fetches url, retrying TRANSIENT failures with backoff.
func (f *fetcher) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	retry := f.opts.Retry
	retry.Retryable = func(err error) bool { return domain.IsCollectionKind(err, domain.KindTransient) }
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		f.opts.Logger.Debug("collector retry", "platform", f.platform, "attempt", attempt, "wait", wait, "error", err)
	}
	body, err := fn.Retry(ctx, retry, func(ctx context.Context) fn.Result[[]byte] {
		return fn.FromPair(f.once(ctx, url, header))
	}).Unwrap()
	if err != nil {
		return nil, asCollectionError(f.platform, err)
	}
	return body, nil
}

func (f *fetcher) once(ctx context.Context, url string, header http.Header) ([]byte, error) {
	if err := f.opts.Limiter.Wait(ctx); err != nil {
		return nil, f.fail(domain.KindTransient, "rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, f.fail(domain.KindFormat, "build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, f.fail(domain.KindTransient, "request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, f.fail(domain.KindTransient, "read body: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	if f.classify != nil {
		if err := f.classify(resp.StatusCode, body); err != nil {
			return nil, err
		}
	}
	return nil, classifyStatus(f.platform, resp.StatusCode, body)
}

// getJSON fetches url and decodes the body into out.
func (f *fetcher) getJSON(ctx context.Context, url string, header http.Header, out any) error {
	body, err := f.get(ctx, url, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return f.fail(domain.KindFormat, "decode response: %w", err)
	}
	return nil
}

// classifyStatus is the default mapping from HTTP status to error kind.
func classifyStatus(p domain.Platform, status int, body []byte) error {
	snippet := bodySnippet(body)
	switch {
	case status == http.StatusUnauthorized:
		return domain.NewCollectionError(p, domain.KindAuth, fmt.Errorf("status %d: %s", status, snippet))
	case status == http.StatusForbidden:
		if quotaHint(body) {
			return domain.NewCollectionError(p, domain.KindQuota, fmt.Errorf("status %d: %s", status, snippet))
		}
		return domain.NewCollectionError(p, domain.KindAuth, fmt.Errorf("status %d: %s", status, snippet))
	case status == http.StatusTooManyRequests:
		return domain.NewCollectionError(p, domain.KindQuota, fmt.Errorf("status %d: %s", status, snippet))
	case status == http.StatusRequestTimeout || status >= 500:
		return domain.NewCollectionError(p, domain.KindTransient, fmt.Errorf("status %d: %s", status, snippet))
	default:
		return domain.NewCollectionError(p, domain.KindFormat, fmt.Errorf("unexpected status %d: %s", status, snippet))
	}
}

func quotaHint(body []byte) bool {
	s := strings.ToLower(string(body))
	for _, hint := range []string{"quota", "ratelimitexceeded", "rate limit", "dailylimitexceeded"} {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func asCollectionError(p domain.Platform, err error) error {
	var ce *domain.CollectionError
	if errors.As(err, &ce) {
		return ce
	}
	return domain.NewCollectionError(p, domain.KindTransient, err)
}
