package rawstore

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/socialpulse/pulse/engine/domain"
)

var pgRecordCols = []string{
	"id", "platform", "external_id", "scope_id", "text", "author", "url", "published_at",
	"payload", "collected_at", "status", "attempts", "last_error", "lease_owner", "lease_expires_at",
}

func newMockStore(t *testing.T, now time.Time) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mock.Close)
	ids := 0
	s := NewPostgres(mock,
		WithClock(func() time.Time { return now }),
		WithIDs(func() string { ids++; return "rec-" + strconv.Itoa(ids) }))
	return s, mock
}

func TestPostgresInsertNew(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t, now)

	mock.ExpectExec(`INSERT INTO raw_records`).
		WithArgs("rec-1", "x", "tweet-1", "acme", "post 1 about acme", "", "", epoch, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec, inserted, err := s.InsertIfAbsent(context.Background(), candidate(1))
	if err != nil || !inserted {
		t.Fatalf("inserted=%v err=%v", inserted, err)
	}
	if rec.ID != "rec-1" || rec.Status != domain.StatusPending {
		t.Fatalf("record = %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresInsertDuplicateReturnsExisting(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t, now)

	mock.ExpectExec(`INSERT INTO raw_records`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`(?s)SELECT .+ FROM raw_records WHERE platform = \$1 AND external_id = \$2`).
		WithArgs("x", "tweet-1").
		WillReturnRows(pgxmock.NewRows(pgRecordCols).AddRow(
			"orig", "x", "tweet-1", "acme", "original", "", "", epoch,
			[]byte(`{}`), now.Add(-time.Hour), "processed", 0, "", "", epoch))

	rec, inserted, err := s.InsertIfAbsent(context.Background(), candidate(1))
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("duplicate reported as inserted")
	}
	if rec.ID != "orig" || !rec.Processed() || !rec.PublishedAt.IsZero() || !rec.LeaseExpiresAt.IsZero() {
		t.Fatalf("record = %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresFetchPendingSkipLocked(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t, now)
	lease := 5 * time.Minute

	// Rows come back out of order; the store sorts them.
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("owner", now.Add(lease), now, 2).
		WillReturnRows(pgxmock.NewRows(append(append([]string{}, pgRecordCols...), "seq")).
			AddRow("b", "x", "2", "acme", "two", "", "", epoch, []byte(`{}`), now.Add(-time.Minute), "pending", 0, "", "owner", now.Add(lease), int64(2)).
			AddRow("a", "x", "1", "acme", "one", "", "", epoch, []byte(`{}`), now.Add(-time.Minute), "pending", 1, "", "owner", now.Add(lease), int64(1)))

	recs, err := s.FetchPending(context.Background(), Claim{Owner: "owner", Limit: 2, Lease: lease})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Fatalf("claim order = %+v", recs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresMarkProcessedCommits(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t, now)
	rec := domain.RawRecord{ID: "r1", Platform: domain.PlatformX, ScopeID: "acme"}
	post := testPost(rec, now)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE raw_records\s+SET status = 'processed'`).
		WithArgs("r1", "w", epoch, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO posts`).
		WithArgs("post:r1", "r1", "x", "acme", "neutral", 0.0, pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := s.MarkProcessed(context.Background(), "r1", "w", post); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresMarkProcessedLostLease(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t, now)
	rec := domain.RawRecord{ID: "r1", Platform: domain.PlatformX, ScopeID: "acme"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE raw_records`).
		WithArgs("r1", "w", epoch, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status, lease_owner FROM raw_records`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "lease_owner"}).AddRow("pending", "other"))
	mock.ExpectRollback()

	err := s.MarkProcessed(context.Background(), "r1", "w", testPost(rec, now))
	if !domain.IsStoreKind(err, domain.KindLeaseExpired) {
		t.Fatalf("got %v, want LEASE_EXPIRED", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresMarkProcessedByOtherOwner(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := domain.RawRecord{ID: "r1", Platform: domain.PlatformX, ScopeID: "acme"}

	for _, tc := range []struct {
		owner   string
		wantErr bool
	}{
		{owner: "w", wantErr: false},
		{owner: "stale", wantErr: true},
	} {
		s, mock := newMockStore(t, now)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE raw_records`).
			WithArgs("r1", tc.owner, epoch, now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`SELECT status, lease_owner FROM raw_records`).
			WithArgs("r1").
			WillReturnRows(pgxmock.NewRows([]string{"status", "lease_owner"}).AddRow("processed", "w"))
		mock.ExpectRollback()

		err := s.MarkProcessed(context.Background(), "r1", tc.owner, testPost(rec, now))
		if tc.wantErr && !domain.IsStoreKind(err, domain.KindLeaseExpired) {
			t.Fatalf("owner %s: got %v, want LEASE_EXPIRED", tc.owner, err)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("owner %s: got %v, want nil", tc.owner, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPostgresMarkFailedTerminal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t, now)

	mock.ExpectQuery(`UPDATE raw_records\s+SET attempts = attempts \+ 1`).
		WithArgs("enrich: PARSE: bad json", 3, epoch, "r1", "w", now).
		WillReturnRows(pgxmock.NewRows(pgRecordCols).AddRow(
			"r1", "x", "1", "acme", "one", "", "", epoch, []byte(`{}`), now, "failed", 3, "enrich: PARSE: bad json", "", epoch))

	rec, err := s.MarkFailed(context.Background(), "r1", "w",
		domain.NewEnrichmentError(domain.KindParse, errors.New("bad json")), 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusFailed || rec.Attempts != 3 {
		t.Fatalf("record = %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresMarkFailedSetsRetryTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t, now)
	retry := now.Add(time.Minute)

	mock.ExpectQuery(`UPDATE raw_records\s+SET attempts = attempts \+ 1`).
		WithArgs("enrich: RATE_LIMIT: slow down", 3, retry, "r1", "w", now).
		WillReturnRows(pgxmock.NewRows(pgRecordCols).AddRow(
			"r1", "x", "1", "acme", "one", "", "", epoch, []byte(`{}`), now, "pending", 1, "enrich: RATE_LIMIT: slow down", "", retry))

	rec, err := s.MarkFailed(context.Background(), "r1", "w",
		domain.NewEnrichmentError(domain.KindRateLimit, errors.New("slow down")), 3, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusPending || !rec.LeaseExpiresAt.Equal(retry) {
		t.Fatalf("record = %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newMockStore(t, time.Now())
	mock.ExpectQuery(`(?s)SELECT .+ FROM raw_records WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(pgRecordCols))

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
}
