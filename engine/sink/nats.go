package sink

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/natsutil"
)

// SubjectPrefix is prepended to the platform to form the publish subject.
const SubjectPrefix = "pulse.posts."

// NATSPublisher publishes posts as JSON on pulse.posts.<platform>.
type NATSPublisher struct {
	nc *nats.Conn
}

func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Subject returns the subject a post on platform p is published to.
func Subject(p domain.Platform) string { return SubjectPrefix + string(p) }

func (n *NATSPublisher) Deliver(ctx context.Context, p domain.Post) error {
	if err := natsutil.Publish(ctx, n.nc, Subject(p.Platform), p); err != nil {
		return fmt.Errorf("sink: publish %s: %w", p.ID, err)
	}
	return nil
}
