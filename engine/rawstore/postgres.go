package rawstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/socialpulse/pulse/engine/domain"
)

// PgxPool is the subset of *pgxpool.Pool the Postgres backend uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// epoch stands in for "no time" in NOT NULL timestamp columns.
var epoch = time.Unix(0, 0).UTC()

// Postgres is the server backend. Claims use FOR UPDATE SKIP LOCKED so
// concurrent batchers never block on, or receive, each other's rows.
type Postgres struct {
	pool   PgxPool
	opts   options
	closed atomic.Bool
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("rawstore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("rawstore: ping postgres: %w", err)
	}
	s := NewPostgres(pool, opts...)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an existing pool without migrating.
func NewPostgres(pool PgxPool, opts ...Option) *Postgres {
	return &Postgres{pool: pool, opts: buildOptions(opts)}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rawstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.pool.Close()
	return nil
}

func (s *Postgres) InsertIfAbsent(ctx context.Context, c domain.Candidate) (domain.RawRecord, bool, error) {
	if s.closed.Load() {
		return domain.RawRecord{}, false, ErrClosed
	}
	c, err := prepareCandidate(c)
	if err != nil {
		return domain.RawRecord{}, false, err
	}
	rec := domain.RawRecord{
		ID:          s.opts.newID(),
		Platform:    c.Platform,
		ExternalID:  c.ExternalID,
		ScopeID:     c.ScopeID,
		Text:        c.Text,
		Author:      c.Author,
		URL:         c.URL,
		PublishedAt: c.PublishedAt,
		Payload:     c.Payload,
		CollectedAt: s.opts.now().UTC(),
		Status:      domain.StatusPending,
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO raw_records (id, platform, external_id, scope_id, text, author, url, published_at, payload, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (platform, external_id) DO NOTHING`,
		rec.ID, string(rec.Platform), rec.ExternalID, rec.ScopeID, rec.Text, rec.Author, rec.URL,
		orEpoch(rec.PublishedAt), []byte(rec.Payload), rec.CollectedAt)
	if err != nil {
		return domain.RawRecord{}, false, fmt.Errorf("rawstore: insert %s: %w", c.Key(), err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	existing, err := scanPgRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM raw_records WHERE platform = $1 AND external_id = $2`,
		string(c.Platform), c.ExternalID))
	if err != nil {
		return domain.RawRecord{}, false, fmt.Errorf("rawstore: load duplicate %s: %w", c.Key(), err)
	}
	return existing, false, nil
}

func (s *Postgres) FetchPending(ctx context.Context, claim Claim) ([]domain.RawRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateClaim(claim); err != nil {
		return nil, err
	}
	now := s.opts.now()
	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT seq
			FROM raw_records
			WHERE status = 'pending' AND lease_expires_at <= $3
			ORDER BY collected_at, seq
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE raw_records r
		SET lease_owner = $1, lease_expires_at = $2
		FROM claimable
		WHERE r.seq = claimable.seq
		RETURNING `+qualified("r", recordColumns)+`, r.seq`,
		claim.Owner, now.Add(claim.Lease), now, claim.Limit)
	if err != nil {
		return nil, fmt.Errorf("rawstore: claim: %w", err)
	}
	defer rows.Close()

	var (
		recs []domain.RawRecord
		seqs = map[string]int64{}
	)
	for rows.Next() {
		var seq int64
		rec, err := scanPgRecord(rows, &seq)
		if err != nil {
			return nil, fmt.Errorf("rawstore: claim scan: %w", err)
		}
		seqs[rec.ID] = seq
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rawstore: claim: %w", err)
	}
	sortClaimed(recs, seqs)
	return recs, nil
}

func (s *Postgres) MarkProcessed(ctx context.Context, id, owner string, p domain.Post) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := domain.ValidatePost(p); err != nil {
		return err
	}
	if p.RawRecordID != id {
		return fmt.Errorf("rawstore: post for %s marked on %s", p.RawRecordID, id)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("rawstore: encode post: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rawstore: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE raw_records
		SET status = 'processed', last_error = '', lease_expires_at = $3
		WHERE id = $1 AND status = 'pending' AND lease_owner = $2 AND lease_expires_at > $4`,
		id, owner, epoch, s.opts.now())
	if err != nil {
		return fmt.Errorf("rawstore: mark processed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		st, err := pgLeaseState(ctx, tx, id)
		if err != nil {
			return err
		}
		return explain(id, st, owner)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO posts (id, raw_record_id, platform, scope_id, sentiment, threat_score, body, enriched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (raw_record_id) DO NOTHING`,
		p.ID, id, string(p.Platform), p.ScopeID, p.Sentiment, p.ThreatScore, body, p.EnrichedAt); err != nil {
		return fmt.Errorf("rawstore: insert post %s: %w", p.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rawstore: commit %s: %w", id, err)
	}
	return nil
}

func (s *Postgres) MarkFailed(ctx context.Context, id, owner string, cause error, maxAttempts int, retryAfter time.Duration) (domain.RawRecord, error) {
	if s.closed.Load() {
		return domain.RawRecord{}, ErrClosed
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := s.opts.now()
	rec, err := scanPgRecord(s.pool.QueryRow(ctx, `
		UPDATE raw_records
		SET attempts = attempts + 1,
		    last_error = $1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
		    lease_owner = '',
		    lease_expires_at = $3
		WHERE id = $4 AND status = 'pending' AND lease_owner = $5 AND lease_expires_at > $6
		RETURNING `+recordColumns,
		errorText(cause), maxAttempts, orEpoch(retryAt(now, retryAfter)), id, owner, now))
	if errors.Is(err, pgx.ErrNoRows) {
		st, err := pgLeaseState(ctx, s.pool, id)
		if err != nil {
			return domain.RawRecord{}, err
		}
		return domain.RawRecord{}, explain(id, st, "")
	}
	if err != nil {
		return domain.RawRecord{}, fmt.Errorf("rawstore: mark failed %s: %w", id, err)
	}
	return rec, nil
}

func (s *Postgres) Release(ctx context.Context, id, owner string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE raw_records SET lease_owner = '', lease_expires_at = $3
		WHERE id = $1 AND status = 'pending' AND lease_owner = $2`, id, owner, epoch)
	if err != nil {
		return fmt.Errorf("rawstore: release %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		st, err := pgLeaseState(ctx, s.pool, id)
		if err != nil {
			return err
		}
		return explain(id, st, "")
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (domain.RawRecord, error) {
	if s.closed.Load() {
		return domain.RawRecord{}, ErrClosed
	}
	rec, err := scanPgRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM raw_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RawRecord{}, fmt.Errorf("rawstore: record %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RawRecord{}, fmt.Errorf("rawstore: get %s: %w", id, err)
	}
	return rec, nil
}

func (s *Postgres) GetPost(ctx context.Context, rawRecordID string) (domain.Post, error) {
	if s.closed.Load() {
		return domain.Post{}, ErrClosed
	}
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM posts WHERE raw_record_id = $1`, rawRecordID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Post{}, fmt.Errorf("rawstore: post for %s: %w", rawRecordID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Post{}, fmt.Errorf("rawstore: get post %s: %w", rawRecordID, err)
	}
	var p domain.Post
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.Post{}, fmt.Errorf("rawstore: decode post %s: %w", rawRecordID, err)
	}
	return p, nil
}

func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrClosed
	}
	var (
		st     Stats
		oldest *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'pending' AND lease_owner <> '' AND lease_expires_at > $1),
			COUNT(*) FILTER (WHERE status = 'processed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			MIN(collected_at) FILTER (WHERE status = 'pending'),
			(SELECT COUNT(*) FROM posts)
		FROM raw_records`, s.opts.now()).
		Scan(&st.Pending, &st.InFlight, &st.Processed, &st.Failed, &oldest, &st.Posts)
	if err != nil {
		return Stats{}, fmt.Errorf("rawstore: stats: %w", err)
	}
	if oldest != nil {
		st.OldestPending = oldest.UTC()
	}
	return st, nil
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgLeaseState(ctx context.Context, q pgQueryer, id string) (leaseState, error) {
	var status, owner string
	err := q.QueryRow(ctx, `SELECT status, lease_owner FROM raw_records WHERE id = $1`, id).Scan(&status, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return leaseState{}, nil
	}
	if err != nil {
		return leaseState{}, fmt.Errorf("rawstore: lookup %s: %w", id, err)
	}
	return leaseState{found: true, status: domain.RecordStatus(status), owner: owner}, nil
}

func scanPgRecord(row rowScanner, extra ...any) (domain.RawRecord, error) {
	var (
		r                domain.RawRecord
		platform, status string
		payload          []byte
	)
	dest := []any{
		&r.ID, &platform, &r.ExternalID, &r.ScopeID, &r.Text, &r.Author, &r.URL, &r.PublishedAt,
		&payload, &r.CollectedAt, &status, &r.Attempts, &r.LastError, &r.LeaseOwner, &r.LeaseExpiresAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.RawRecord{}, err
	}
	r.Platform = domain.Platform(platform)
	r.Status = domain.RecordStatus(status)
	r.Payload = payload
	r.PublishedAt = fromEpoch(r.PublishedAt)
	r.CollectedAt = r.CollectedAt.UTC()
	r.LeaseExpiresAt = fromEpoch(r.LeaseExpiresAt)
	return r, nil
}

func orEpoch(t time.Time) time.Time {
	if t.IsZero() {
		return epoch
	}
	return t
}

func fromEpoch(t time.Time) time.Time {
	if t.Equal(epoch) {
		return time.Time{}
	}
	return t.UTC()
}
