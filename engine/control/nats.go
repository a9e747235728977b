package control

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/pkg/natsutil"
)

// Request/reply subjects served by ServeNATS.
const (
	SubjectCollect = "pulse.trigger.collect"
	SubjectProcess = "pulse.trigger.process"
	SubjectStatus  = "pulse.status"
)

// CollectRequest selects one cluster; empty means all.
type CollectRequest struct {
	Cluster string `json:"cluster,omitempty"`
}

type CollectResponse struct {
	Runs []domain.CollectionRun `json:"runs"`
}

type ProcessRequest struct {
	Limit int `json:"limit,omitempty"`
}

// ServeNATS registers the trigger handlers. The returned function
// unsubscribes them all.
func ServeNATS(nc *nats.Conn, svc *Service) (func(), error) {
	var subs []*nats.Subscription
	stop := func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}

	add := func(sub *nats.Subscription, err error) error {
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	err := errors.Join(
		add(natsutil.Handle(nc, SubjectCollect, func(ctx context.Context, req CollectRequest) (CollectResponse, error) {
			if req.Cluster == "" {
				return CollectResponse{Runs: svc.CollectAll(ctx)}, nil
			}
			run, err := svc.Collect(ctx, req.Cluster)
			if err != nil {
				return CollectResponse{}, err
			}
			return CollectResponse{Runs: []domain.CollectionRun{run}}, nil
		})),
		add(natsutil.Handle(nc, SubjectProcess, func(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
			if req.Limit < 0 {
				return ProcessResult{}, errors.New("limit must be non-negative")
			}
			return svc.Process(ctx, req.Limit)
		})),
		add(natsutil.Handle(nc, SubjectStatus, func(ctx context.Context, _ struct{}) (Status, error) {
			return svc.Status(ctx), nil
		})),
	)
	if err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}
