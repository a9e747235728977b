package rawstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/socialpulse/pulse/engine/domain"
)

// SQLite is the embedded backend. It keeps a single connection so that each
// statement is serialised, which makes the claim UPDATE atomic.
type SQLite struct {
	db     *sql.DB
	opts   options
	closed atomic.Bool
}

// OpenSQLite opens (creating if needed) the database file at path and
// migrates it.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rawstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("rawstore: %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, opts: buildOptions(opts)}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rawstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.db.Close()
}

func (s *SQLite) InsertIfAbsent(ctx context.Context, c domain.Candidate) (domain.RawRecord, bool, error) {
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_records (id, platform, external_id, scope_id, text, author, url, published_at, payload, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, external_id) DO NOTHING`,
		rec.ID, string(rec.Platform), rec.ExternalID, rec.ScopeID, rec.Text, rec.Author, rec.URL,
		toNanos(rec.PublishedAt), []byte(rec.Payload), toNanos(rec.CollectedAt))
	if err != nil {
		return domain.RawRecord{}, false, fmt.Errorf("rawstore: insert %s: %w", c.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.RawRecord{}, false, fmt.Errorf("rawstore: insert %s: %w", c.Key(), err)
	}
	if n == 1 {
		return rec, true, nil
	}

	existing, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM raw_records WHERE platform = ? AND external_id = ?`,
		string(c.Platform), c.ExternalID))
	if err != nil {
		return domain.RawRecord{}, false, fmt.Errorf("rawstore: load duplicate %s: %w", c.Key(), err)
	}
	return existing, false, nil
}

func (s *SQLite) FetchPending(ctx context.Context, claim Claim) ([]domain.RawRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := validateClaim(claim); err != nil {
		return nil, err
	}
	now := s.opts.now()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE raw_records
		SET lease_owner = ?, lease_expires_at = ?
		WHERE seq IN (
			SELECT seq FROM raw_records
			WHERE status = 'pending' AND lease_expires_at <= ?
			ORDER BY collected_at, seq
			LIMIT ?
		)
		RETURNING `+recordColumns+`, seq`,
		claim.Owner, toNanos(now.Add(claim.Lease)), toNanos(now), claim.Limit)
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
		rec, err := scanSQLiteRecord(rows, &seq)
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

func (s *SQLite) MarkProcessed(ctx context.Context, id, owner string, p domain.Post) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rawstore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE raw_records
		SET status = 'processed', last_error = '', lease_expires_at = 0
		WHERE id = ? AND status = 'pending' AND lease_owner = ? AND lease_expires_at > ?`,
		id, owner, toNanos(s.opts.now()))
	if err != nil {
		return fmt.Errorf("rawstore: mark processed %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		st, err := sqliteLeaseState(ctx, tx, id)
		if err != nil {
			return err
		}
		return explain(id, st, owner)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO posts (id, raw_record_id, platform, scope_id, sentiment, threat_score, body, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (raw_record_id) DO NOTHING`,
		p.ID, id, string(p.Platform), p.ScopeID, p.Sentiment, p.ThreatScore, body, toNanos(p.EnrichedAt)); err != nil {
		return fmt.Errorf("rawstore: insert post %s: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rawstore: commit %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) MarkFailed(ctx context.Context, id, owner string, cause error, maxAttempts int, retryAfter time.Duration) (domain.RawRecord, error) {
	if s.closed.Load() {
		return domain.RawRecord{}, ErrClosed
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := s.opts.now()
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, `
		UPDATE raw_records
		SET attempts = attempts + 1,
		    last_error = ?,
		    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
		    lease_owner = '',
		    lease_expires_at = ?
		WHERE id = ? AND status = 'pending' AND lease_owner = ? AND lease_expires_at > ?
		RETURNING `+recordColumns,
		errorText(cause), maxAttempts, toNanos(retryAt(now, retryAfter)), id, owner, toNanos(now)))
	if errors.Is(err, sql.ErrNoRows) {
		st, err := sqliteLeaseState(ctx, s.db, id)
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

func (s *SQLite) Release(ctx context.Context, id, owner string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE raw_records SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND status = 'pending' AND lease_owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("rawstore: release %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		st, err := sqliteLeaseState(ctx, s.db, id)
		if err != nil {
			return err
		}
		return explain(id, st, "")
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.RawRecord, error) {
	if s.closed.Load() {
		return domain.RawRecord{}, ErrClosed
	}
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM raw_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RawRecord{}, fmt.Errorf("rawstore: record %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RawRecord{}, fmt.Errorf("rawstore: get %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLite) GetPost(ctx context.Context, rawRecordID string) (domain.Post, error) {
	if s.closed.Load() {
		return domain.Post{}, ErrClosed
	}
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM posts WHERE raw_record_id = ?`, rawRecordID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrClosed
	}
	var (
		st     Stats
		oldest int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' AND lease_owner <> '' AND lease_expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(MIN(CASE WHEN status = 'pending' THEN collected_at END), 0),
			(SELECT COUNT(*) FROM posts)
		FROM raw_records`, toNanos(s.opts.now())).
		Scan(&st.Pending, &st.InFlight, &st.Processed, &st.Failed, &oldest, &st.Posts)
	if err != nil {
		return Stats{}, fmt.Errorf("rawstore: stats: %w", err)
	}
	st.OldestPending = fromNanos(oldest)
	return st, nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteLeaseState(ctx context.Context, q sqlQueryer, id string) (leaseState, error) {
	var status, owner string
	err := q.QueryRowContext(ctx, `SELECT status, lease_owner FROM raw_records WHERE id = ?`, id).Scan(&status, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return leaseState{}, nil
	}
	if err != nil {
		return leaseState{}, fmt.Errorf("rawstore: lookup %s: %w", id, err)
	}
	return leaseState{found: true, status: domain.RecordStatus(status), owner: owner}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner, extra ...any) (domain.RawRecord, error) {
	var (
		r                         domain.RawRecord
		platform, status          string
		published, collected, exp int64
		payload                   []byte
	)
	dest := []any{
		&r.ID, &platform, &r.ExternalID, &r.ScopeID, &r.Text, &r.Author, &r.URL, &published,
		&payload, &collected, &status, &r.Attempts, &r.LastError, &r.LeaseOwner, &exp,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.RawRecord{}, err
	}
	r.Platform = domain.Platform(platform)
	r.Status = domain.RecordStatus(status)
	r.Payload = payload
	r.PublishedAt = fromNanos(published)
	r.CollectedAt = fromNanos(collected)
	r.LeaseExpiresAt = fromNanos(exp)
	return r, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
