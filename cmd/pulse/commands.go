package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/socialpulse/pulse/engine/control"
	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/engine/rawstore"
	"github.com/socialpulse/pulse/pkg/natsutil"
)

// remoteFlags route a one-shot command to a running server over NATS
// instead of running it in-process.
type remoteFlags struct {
	remote  bool
	timeout time.Duration
}

func (r *remoteFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&r.remote, "remote", false, "ask a running server over NATS")
	cmd.Flags().DurationVar(&r.timeout, "timeout", 15*time.Minute, "remote request timeout")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp runs f against an in-process pipeline.
func (g *globals) withApp(ctx context.Context, f func(*app) error) error {
	s, err := g.settings()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, g.configPath, s, g.logger)
	if err != nil {
		return err
	}
	return errors.Join(f(a), a.Close())
}

// withNATS runs f against the NATS server named in the settings.
func (g *globals) withNATS(ctx context.Context, timeout time.Duration, f func(context.Context, *nats.Conn) error) error {
	s, err := g.settings()
	if err != nil {
		return err
	}
	if s.Infra.NATSURL == "" {
		return errors.New("--remote needs infra.nats_url")
	}
	nc, err := nats.Connect(s.Infra.NATSURL, nats.Name("pulse-cli"))
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", s.Infra.NATSURL, err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f(ctx, nc)
}

func newCollectCmd(g *globals) *cobra.Command {
	var (
		cluster string
		rf      remoteFlags
	)
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect posts for one cluster or all enabled clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if rf.remote {
				return g.withNATS(cmd.Context(), rf.timeout, func(ctx context.Context, nc *nats.Conn) error {
					resp, err := natsutil.Request[control.CollectRequest, control.CollectResponse](ctx, nc, control.SubjectCollect, control.CollectRequest{Cluster: cluster})
					if err != nil {
						return err
					}
					return writeJSON(out, resp)
				})
			}
			return g.withApp(cmd.Context(), func(a *app) error {
				if cluster == "" {
					return writeJSON(out, control.CollectResponse{Runs: a.svc.CollectAll(cmd.Context())})
				}
				run, err := a.svc.Collect(cmd.Context(), cluster)
				if err != nil {
					return err
				}
				return writeJSON(out, control.CollectResponse{Runs: []domain.CollectionRun{run}})
			})
		},
	}
	cmd.Flags().StringVar(&cluster, "cluster", "", "cluster id (default: all enabled clusters)")
	rf.bind(cmd)
	return cmd
}

func newProcessCmd(g *globals) *cobra.Command {
	var (
		limit int
		rf    remoteFlags
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Enrich pending raw records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must be non-negative, got %d", limit)
			}
			out := cmd.OutOrStdout()
			if rf.remote {
				return g.withNATS(cmd.Context(), rf.timeout, func(ctx context.Context, nc *nats.Conn) error {
					resp, err := natsutil.Request[control.ProcessRequest, control.ProcessResult](ctx, nc, control.SubjectProcess, control.ProcessRequest{Limit: limit})
					if err != nil {
						return err
					}
					return writeJSON(out, resp)
				})
			}
			return g.withApp(cmd.Context(), func(a *app) error {
				res, err := a.svc.Process(cmd.Context(), limit)
				if werr := writeJSON(out, res); werr != nil {
					return werr
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to claim (0: configured per-run caps)")
	rf.bind(cmd)
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	var rf remoteFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print queue counts and pipeline health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if rf.remote {
				return g.withNATS(cmd.Context(), rf.timeout, func(ctx context.Context, nc *nats.Conn) error {
					st, err := natsutil.Request[struct{}, control.Status](ctx, nc, control.SubjectStatus, struct{}{})
					if err != nil {
						return err
					}
					return writeJSON(out, st)
				})
			}
			return g.withApp(cmd.Context(), func(a *app) error {
				return writeJSON(out, a.svc.Status(cmd.Context()))
			})
		},
	}
	rf.bind(cmd)
	return cmd
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the raw store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.settings()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := rawstore.Open(ctx, s.Infra.StoreDriver, s.Infra.StoreDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", s.Infra.StoreDriver)
			return nil
		},
	}
}
