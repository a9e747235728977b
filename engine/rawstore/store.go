// Package rawstore is the raw record store: the single source of truth
// shared by collectors and enrichment batchers. Every mutation is one atomic
// statement or transaction, so no in-memory locking is needed on top.
package rawstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/socialpulse/pulse/engine/domain"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("rawstore: closed")

// Claim describes a FetchPending request.
type Claim struct {
	// Owner identifies the claimant; mark operations must present it.
	Owner string
	Limit int
	Lease time.Duration
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending       int       `json:"pending"`
	InFlight      int       `json:"in_flight"`
	Processed     int       `json:"processed"`
	Failed        int       `json:"failed"`
	Posts         int       `json:"posts"`
	OldestPending time.Time `json:"oldest_pending,omitempty"`
}

// Store persists raw records and the posts derived from them.
type Store interface {
	// InsertIfAbsent stores c unless (platform, external_id) already exists,
	// in which case the existing record is returned with inserted=false.
	InsertIfAbsent(ctx context.Context, c domain.Candidate) (rec domain.RawRecord, inserted bool, err error)

	// FetchPending atomically leases up to claim.Limit pending records whose
	// lease or retry delay has run out, oldest first.
	FetchPending(ctx context.Context, claim Claim) ([]domain.RawRecord, error)

	// MarkProcessed persists p and marks the record processed in one
	// transaction. The committing owner stays on the record: repeating the
	// commit with that owner is a no-op, any other owner gets LEASE_EXPIRED.
	MarkProcessed(ctx context.Context, id, owner string, p domain.Post) error

	// MarkFailed records a failed attempt and releases the lease. The record
	// is not claimable again until retryAfter has passed, and becomes
	// terminally failed once its attempts reach maxAttempts.
	MarkFailed(ctx context.Context, id, owner string, cause error, maxAttempts int, retryAfter time.Duration) (domain.RawRecord, error)

	// Release drops the lease without counting an attempt.
	Release(ctx context.Context, id, owner string) error

	Get(ctx context.Context, id string) (domain.RawRecord, error)
	GetPost(ctx context.Context, rawRecordID string) (domain.Post, error)
	Stats(ctx context.Context) (Stats, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// NewOwner returns a fresh lease owner token.
func NewOwner() string { return uuid.NewString() }

// Option configures a store backend.
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDs replaces the record id generator.
func WithIDs(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, newID: uuid.NewString}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open opens the backend named by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(ctx, dsn, opts...)
	case "postgres":
		return OpenPostgres(ctx, dsn, opts...)
	}
	return nil, fmt.Errorf("rawstore: unknown driver %q", driver)
}

func validateClaim(c Claim) error {
	if c.Owner == "" {
		return fmt.Errorf("rawstore: claim without owner")
	}
	if c.Limit <= 0 {
		return fmt.Errorf("rawstore: claim limit %d", c.Limit)
	}
	if c.Lease <= 0 {
		return fmt.Errorf("rawstore: claim lease %v", c.Lease)
	}
	return nil
}

func prepareCandidate(c domain.Candidate) (domain.Candidate, error) {
	if err := domain.ValidateCandidate(c); err != nil {
		return c, err
	}
	c.Text = domain.TruncateText(c.Text)
	if len(c.Payload) == 0 {
		c.Payload = []byte("{}")
	}
	return c, nil
}

// retryAt is when a failed record may be claimed again.
func retryAt(now time.Time, retryAfter time.Duration) time.Time {
	if retryAfter <= 0 {
		return time.Time{}
	}
	return now.Add(retryAfter)
}

func errorText(cause error) string {
	if cause == nil {
		return "unknown error"
	}
	s := cause.Error()
	if len(s) > 2000 {
		s = s[:2000]
	}
	return s
}

// leaseState is what a conditional update found when it matched no row.
type leaseState struct {
	found  bool
	status domain.RecordStatus
	owner  string
}

// explain turns a failed conditional update into the caller-facing error.
// A record already processed by committer is reported as nil.
func explain(id string, st leaseState, committer string) error {
	switch {
	case !st.found:
		return fmt.Errorf("rawstore: record %s: %w", id, domain.ErrNotFound)
	case st.status == domain.StatusProcessed && committer != "" && st.owner == committer:
		return nil
	default:
		return domain.NewStoreError(domain.KindLeaseExpired, id, nil)
	}
}

// sortClaimed orders claimed records oldest first, breaking ties by
// insertion sequence. RETURNING gives no ordering guarantee.
func sortClaimed(recs []domain.RawRecord, seqs map[string]int64) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CollectedAt.Equal(recs[j].CollectedAt) {
			return recs[i].CollectedAt.Before(recs[j].CollectedAt)
		}
		return seqs[recs[i].ID] < seqs[recs[j].ID]
	})
}

// qualified prefixes every column in a comma separated list with alias.
func qualified(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
