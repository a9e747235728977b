// Package collector fetches raw items from each upstream platform and
// normalises them into candidates for the raw record store.
//
// A collector streams its output on a channel. An Err result wrapping
// domain.ErrMalformedItem reports one skipped item and the stream goes on;
// any other Err is a *domain.CollectionError and is the last value sent.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/socialpulse/pulse/engine/config"
	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/fn"
)

// Collector fetches candidates for one platform.
type Collector interface {
	Platform() domain.Platform
	Collect(ctx context.Context, scope domain.ClusterScope) <-chan fn.Result[domain.Candidate]
}

// Options are the knobs shared by every platform client.
type Options struct {
	HTTPClient *http.Client
	Retry      fn.RetryOpts
	Limiter    *rate.Limiter
	MaxResults int
	Logger     *slog.Logger
}

// OptionsFrom derives collector options from configuration.
func OptionsFrom(c config.Collectors) Options {
	return Options{
		Retry: fn.RetryOpts{
			MaxAttempts: c.RetryAttempts,
			InitialWait: c.RetryBaseDelay(),
			MaxWait:     c.RetryMaxDelay(),
			Jitter:      true,
		},
		Limiter:    newLimiter(c.RequestsPerSecond),
		MaxResults: c.MaxResults,
	}
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// DefaultHTTPClient traces outbound requests.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = DefaultHTTPClient()
	}
	if o.Limiter == nil {
		o.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = fn.DefaultRetry
	}
	if o.MaxResults <= 0 {
		o.MaxResults = 50
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// malformed reports one item that could not be normalised.
func malformed(format string, args ...any) fn.Result[domain.Candidate] {
	return fn.Err[domain.Candidate](fmt.Errorf("%w: %s", domain.ErrMalformedItem, fmt.Sprintf(format, args...)))
}

// terminal converts err into the stream's final CollectionError.
func terminal(p domain.Platform, err error) fn.Result[domain.Candidate] {
	return fn.Err[domain.Candidate](asCollectionError(p, err))
}

// send delivers r unless ctx is done first.
func send(ctx context.Context, ch chan<- fn.Result[domain.Candidate], r fn.Result[domain.Candidate]) bool {
	select {
	case ch <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
