package rawstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/socialpulse/pulse/engine/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*SQLite, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "raw.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func candidate(i int) domain.Candidate {
	return domain.Candidate{
		Platform:   domain.PlatformX,
		ExternalID: fmt.Sprintf("tweet-%d", i),
		ScopeID:    "acme",
		Text:       fmt.Sprintf("post %d about acme", i),
		Payload:    []byte(fmt.Sprintf(`{"id":"tweet-%d"}`, i)),
	}
}

// seed inserts n records, advancing the clock between them so they are
// strictly ordered by collected_at.
func seed(t *testing.T, s *SQLite, clock *fakeClock, n int) []domain.RawRecord {
	t.Helper()
	out := make([]domain.RawRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, inserted, err := s.InsertIfAbsent(context.Background(), candidate(i))
		if err != nil || !inserted {
			t.Fatalf("insert %d: inserted=%v err=%v", i, inserted, err)
		}
		out = append(out, rec)
		clock.Advance(time.Second)
	}
	return out
}

func testPost(rec domain.RawRecord, now time.Time) domain.Post {
	return domain.NewPost(rec, domain.Enrichment{
		Sentiment: "neutral", Summary: "a post", Entities: []domain.Entity{{Name: "Acme", Type: "org"}},
	}, now)
}

func TestInsertIfAbsentDeduplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, inserted, err := s.InsertIfAbsent(ctx, candidate(1))
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	if first.Status != domain.StatusPending {
		t.Fatalf("status = %s", first.Status)
	}

	dup := candidate(1)
	dup.Text = "different text, same upstream id"
	again, inserted, err := s.InsertIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate reported as inserted")
	}
	if again.ID != first.ID || again.Text != first.Text {
		t.Fatalf("duplicate returned %+v, want original %+v", again, first)
	}

	other := candidate(1)
	other.Platform = domain.PlatformYouTube
	if _, inserted, err := s.InsertIfAbsent(ctx, other); err != nil || !inserted {
		t.Fatalf("same external id on another platform: inserted=%v err=%v", inserted, err)
	}
}

func TestInsertIfAbsentRejectsInvalid(t *testing.T) {
	s, _ := newTestStore(t)
	c := candidate(1)
	c.ExternalID = ""
	_, _, err := s.InsertIfAbsent(context.Background(), c)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestConcurrentDuplicateInsertsYieldOneRecord(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		ids      = map[string]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := s.InsertIfAbsent(ctx, candidate(7))
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				inserted++
			}
			ids[rec.ID] = true
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Fatalf("inserted %d times, want 1", inserted)
	}
	if len(ids) != 1 {
		t.Fatalf("callers saw %d distinct ids", len(ids))
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1", st.Pending)
	}
}

func TestFetchPendingOldestFirstAndBounded(t *testing.T) {
	s, clock := newTestStore(t)
	recs := seed(t, s, clock, 23)

	got, err := s.FetchPending(context.Background(), Claim{Owner: "a", Limit: 20, Lease: time.Minute})
	if err != nil {
		t.Fatalf("FetchPending: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("claimed %d, want 20", len(got))
	}
	for i, r := range got {
		if r.ID != recs[i].ID {
			t.Fatalf("claim[%d] = %s, want %s", i, r.ID, recs[i].ID)
		}
		if r.LeaseOwner != "a" {
			t.Fatalf("lease owner = %q", r.LeaseOwner)
		}
	}

	rest, err := s.FetchPending(context.Background(), Claim{Owner: "b", Limit: 20, Lease: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 3 {
		t.Fatalf("second claim got %d, want the 3 remaining", len(rest))
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	s, clock := newTestStore(t)
	seed(t, s, clock, 50)

	const claimers = 5
	results := make([][]domain.RawRecord, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs, err := s.FetchPending(context.Background(), Claim{Owner: fmt.Sprintf("owner-%d", i), Limit: 10, Lease: time.Minute})
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
			}
			results[i] = recs
		}(i)
	}
	wg.Wait()

	seen := map[string]int{}
	total := 0
	for i, recs := range results {
		for _, r := range recs {
			if prev, dup := seen[r.ID]; dup {
				t.Fatalf("record %s claimed by owners %d and %d", r.ID, prev, i)
			}
			seen[r.ID] = i
			total++
		}
	}
	if total != 50 {
		t.Fatalf("claimed %d records in total, want 50", total)
	}
}

func TestLeaseExpiryMakesRecordClaimableAgain(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, clock, 1)
	lease := 30 * time.Second

	got, _ := s.FetchPending(ctx, Claim{Owner: "crashed", Limit: 5, Lease: lease})
	if len(got) != 1 {
		t.Fatalf("claimed %d", len(got))
	}

	clock.Advance(lease - time.Nanosecond)
	if again, _ := s.FetchPending(ctx, Claim{Owner: "b", Limit: 5, Lease: lease}); len(again) != 0 {
		t.Fatal("record reclaimed before its lease expired")
	}

	clock.Advance(time.Nanosecond)
	again, err := s.FetchPending(ctx, Claim{Owner: "b", Limit: 5, Lease: lease})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].LeaseOwner != "b" {
		t.Fatalf("expired lease not reclaimed: %+v", again)
	}

	// The crashed owner has lost the record.
	err = s.MarkProcessed(ctx, got[0].ID, "crashed", testPost(got[0], clock.Now()))
	if !domain.IsStoreKind(err, domain.KindLeaseExpired) {
		t.Fatalf("stale owner commit: got %v, want LEASE_EXPIRED", err)
	}
}

func TestStaleOwnerCannotCommitAfterNewOwnerCommits(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, clock, 1)
	lease := 30 * time.Second

	first, _ := s.FetchPending(ctx, Claim{Owner: "slow", Limit: 1, Lease: lease})
	clock.Advance(lease)
	second, _ := s.FetchPending(ctx, Claim{Owner: "fast", Limit: 1, Lease: lease})
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("claims: %d then %d", len(first), len(second))
	}

	winner := testPost(second[0], clock.Now())
	winner.Summary = "from fast"
	if err := s.MarkProcessed(ctx, second[0].ID, "fast", winner); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	loser := testPost(first[0], clock.Now())
	loser.Summary = "from slow"
	err := s.MarkProcessed(ctx, first[0].ID, "slow", loser)
	if !domain.IsStoreKind(err, domain.KindLeaseExpired) {
		t.Fatalf("stale commit after processed: got %v, want LEASE_EXPIRED", err)
	}
	if _, err := s.MarkFailed(ctx, first[0].ID, "slow", errors.New("x"), 3, 0); !domain.IsStoreKind(err, domain.KindLeaseExpired) {
		t.Fatalf("stale MarkFailed after processed: %v", err)
	}
	if err := s.MarkProcessed(ctx, second[0].ID, "fast", winner); err != nil {
		t.Fatalf("repeat commit by owner: %v", err)
	}

	stored, err := s.GetPost(ctx, first[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Summary != "from fast" {
		t.Fatalf("stored summary = %q", stored.Summary)
	}
}

func TestMarkProcessedPersistsPostOnce(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, clock, 1)

	recs, _ := s.FetchPending(ctx, Claim{Owner: "w", Limit: 1, Lease: time.Minute})
	rec := recs[0]
	post := testPost(rec, clock.Now())

	if err := s.MarkProcessed(ctx, rec.ID, "w", post); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	// A second commit of the same record is a no-op.
	if err := s.MarkProcessed(ctx, rec.ID, "w", post); err != nil {
		t.Fatalf("repeat MarkProcessed: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Processed() || got.LeaseOwner != "w" || !got.LeaseExpiresAt.IsZero() {
		t.Fatalf("record after commit: %+v", got)
	}
	stored, err := s.GetPost(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if stored.ID != post.ID || stored.Summary != "a post" || len(stored.Entities) != 1 {
		t.Fatalf("stored post = %+v", stored)
	}

	st, _ := s.Stats(ctx)
	if st.Processed != 1 || st.Posts != 1 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if more, _ := s.FetchPending(ctx, Claim{Owner: "w", Limit: 5, Lease: time.Minute}); len(more) != 0 {
		t.Fatal("processed record returned by FetchPending")
	}
}

func TestMarkFailedBecomesTerminal(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, clock, 1)
	parseErr := domain.NewEnrichmentError(domain.KindParse, errors.New("bad json"))

	for attempt := 1; attempt <= 3; attempt++ {
		recs, err := s.FetchPending(ctx, Claim{Owner: "w", Limit: 5, Lease: time.Minute})
		if err != nil || len(recs) != 1 {
			t.Fatalf("attempt %d: claimed %d err=%v", attempt, len(recs), err)
		}
		rec, err := s.MarkFailed(ctx, recs[0].ID, "w", parseErr, 3, 0)
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if rec.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", rec.Attempts, attempt)
		}
		wantStatus := domain.StatusPending
		if attempt == 3 {
			wantStatus = domain.StatusFailed
		}
		if rec.Status != wantStatus {
			t.Fatalf("attempt %d: status = %s, want %s", attempt, rec.Status, wantStatus)
		}
		if rec.LastError == "" {
			t.Fatal("last_error not recorded")
		}
	}

	if recs, _ := s.FetchPending(ctx, Claim{Owner: "w", Limit: 5, Lease: time.Minute}); len(recs) != 0 {
		t.Fatal("terminally failed record returned by FetchPending")
	}
	st, _ := s.Stats(ctx)
	if st.Failed != 1 {
		t.Fatalf("failed = %d", st.Failed)
	}
}

func TestMarkFailedDelaysRetry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, clock, 1)
	backoff := 10 * time.Second

	recs, _ := s.FetchPending(ctx, Claim{Owner: "w", Limit: 1, Lease: time.Minute})
	rec, err := s.MarkFailed(ctx, recs[0].ID, "w", errors.New("rate limited"), 3, backoff)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if rec.Status != domain.StatusPending || rec.LeaseOwner != "" || !rec.LeaseExpiresAt.Equal(clock.Now().Add(backoff)) {
		t.Fatalf("record after failure: %+v", rec)
	}

	st, _ := s.Stats(ctx)
	if st.Pending != 1 || st.InFlight != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if again, _ := s.FetchPending(ctx, Claim{Owner: "w", Limit: 1, Lease: time.Minute}); len(again) != 0 {
		t.Fatal("record reclaimed before its retry delay")
	}
	clock.Advance(backoff)
	if again, _ := s.FetchPending(ctx, Claim{Owner: "w", Limit: 1, Lease: time.Minute}); len(again) != 1 {
		t.Fatal("record not reclaimed after its retry delay")
	}
}

func TestMarkRequiresOwnership(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, clock, 1)
	recs, _ := s.FetchPending(ctx, Claim{Owner: "w", Limit: 1, Lease: time.Minute})
	id := recs[0].ID

	if _, err := s.MarkFailed(ctx, id, "intruder", errors.New("x"), 3, 0); !domain.IsStoreKind(err, domain.KindLeaseExpired) {
		t.Fatalf("MarkFailed by non-owner: %v", err)
	}
	if err := s.Release(ctx, id, "intruder"); !domain.IsStoreKind(err, domain.KindLeaseExpired) {
		t.Fatalf("Release by non-owner: %v", err)
	}
	if _, err := s.MarkFailed(ctx, "missing", "w", errors.New("x"), 3, 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("MarkFailed on missing record: %v", err)
	}
}

func TestReleaseReturnsRecordWithoutAttempt(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	seed(t, s, clock, 1)

	recs, _ := s.FetchPending(ctx, Claim{Owner: "w", Limit: 1, Lease: time.Hour})
	if err := s.Release(ctx, recs[0].ID, "w"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, _ := s.FetchPending(ctx, Claim{Owner: "v", Limit: 1, Lease: time.Hour})
	if len(again) != 1 || again[0].Attempts != 0 {
		t.Fatalf("released record: %+v", again)
	}
}

func TestStatsInFlight(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	recs := seed(t, s, clock, 4)
	if _, err := s.FetchPending(ctx, Claim{Owner: "w", Limit: 3, Lease: time.Minute}); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending != 4 || st.InFlight != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if !st.OldestPending.Equal(recs[0].CollectedAt) {
		t.Fatalf("oldest = %v, want %v", st.OldestPending, recs[0].CollectedAt)
	}

	clock.Advance(2 * time.Minute)
	st, _ = s.Stats(ctx)
	if st.InFlight != 0 {
		t.Fatalf("expired leases still counted in flight: %d", st.InFlight)
	}
}

func TestClosedStore(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Ping after close: %v", err)
	}
	if _, _, err := s.InsertIfAbsent(context.Background(), candidate(1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("insert after close: %v", err)
	}
}

func TestClaimValidation(t *testing.T) {
	s, _ := newTestStore(t)
	bad := []Claim{
		{Limit: 1, Lease: time.Second},
		{Owner: "a", Lease: time.Second},
		{Owner: "a", Limit: 1},
	}
	for _, c := range bad {
		if _, err := s.FetchPending(context.Background(), c); err == nil {
			t.Errorf("claim %+v accepted", c)
		}
	}
}
