// Package sink delivers enriched posts to downstream consumers. Delivery is
// best effort: a post is committed to the store before any sink sees it.
package sink

import (
	"context"
	"errors"

	"github.com/socialpulse/pulse/engine/domain"
)

// Sink receives committed posts.
type Sink interface {
	Deliver(ctx context.Context, p domain.Post) error
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, p domain.Post) error

func (f Func) Deliver(ctx context.Context, p domain.Post) error { return f(ctx, p) }

// Fanout delivers each post to every sink in order and joins their errors.
// A failing sink does not stop the ones after it.
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, p domain.Post) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every post.
var Discard Sink = Func(func(context.Context, domain.Post) error { return nil })
