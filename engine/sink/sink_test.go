package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/socialpulse/pulse/engine/domain"
	"github.com/socialpulse/pulse/engine/semantic"
	"github.com/socialpulse/pulse/pkg/natsutil"
)

func testPost() domain.Post {
	return domain.Post{
		ID:          "post:4b8f0c2e-6d1a-4f57-9c0e-1f2a3b4c5d6e",
		RawRecordID: "4b8f0c2e-6d1a-4f57-9c0e-1f2a3b4c5d6e",
		Platform:    domain.PlatformFacebook,
		ScopeID:     "acme",
		Text:        "Acme anvils keep falling on people",
		Summary:     "Safety complaint about anvils",
		Sentiment:   "negative",
		ThreatScore: 0.7,
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	var calls []string
	rec := func(name string, err error) Sink {
		return Func(func(context.Context, domain.Post) error {
			calls = append(calls, name)
			return err
		})
	}
	errA := errors.New("a down")
	errC := errors.New("c down")
	f := Fanout{rec("a", errA), rec("b", nil), rec("c", errC)}

	err := f.Deliver(context.Background(), testPost())
	if !errors.Is(err, errA) || !errors.Is(err, errC) {
		t.Fatalf("err = %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("calls = %v", calls)
	}
	if err := (Fanout{}).Deliver(context.Background(), testPost()); err != nil {
		t.Fatal(err)
	}
	if err := Discard.Deliver(context.Background(), testPost()); err != nil {
		t.Fatal(err)
	}
}

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestNATSPublisher(t *testing.T) {
	nc := startTestNATS(t)
	got := make(chan domain.Post, 1)
	sub, err := natsutil.Subscribe(nc, SubjectPrefix+"*", func(_ context.Context, p domain.Post) { got <- p })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := NewNATSPublisher(nc).Deliver(context.Background(), testPost()); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if p.ID != testPost().ID || p.Sentiment != "negative" {
			t.Fatalf("post = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("post not published")
	}
	if Subject(domain.PlatformX) != "pulse.posts.x" {
		t.Errorf("subject = %s", Subject(domain.PlatformX))
	}
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	texts []string
}

func (f *fakeEmbedder) Embed(_ context.Context, model, text string) ([]float32, error) {
	f.texts = append(f.texts, model+"|"+text)
	return f.vec, f.err
}

type fakeVectors struct {
	mu        sync.Mutex
	ensured   []int
	ensureErr error
	upserted  []semantic.VectorRecord
}

func (f *fakeVectors) EnsureCollection(_ context.Context, dims int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, dims)
	return f.ensureErr
}

func (f *fakeVectors) Upsert(_ context.Context, recs []semantic.VectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, recs...)
	return nil
}

func TestVectorsEnsuresCollectionOnce(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	store := &fakeVectors{}
	v := NewVectors(emb, "nomic-embed-text", store)

	for range 2 {
		if err := v.Deliver(context.Background(), testPost()); err != nil {
			t.Fatal(err)
		}
	}
	if len(store.ensured) != 1 || store.ensured[0] != 3 {
		t.Fatalf("ensured = %v", store.ensured)
	}
	if len(store.upserted) != 2 || store.upserted[0].ID != testPost().RawRecordID {
		t.Fatalf("upserted = %+v", store.upserted)
	}
	if emb.texts[0] != "nomic-embed-text|Safety complaint about anvils\n\nAcme anvils keep falling on people" {
		t.Errorf("embedded %q", emb.texts[0])
	}
}

func TestVectorsErrors(t *testing.T) {
	v := NewVectors(&fakeEmbedder{err: errors.New("ollama down")}, "m", &fakeVectors{})
	if err := v.Deliver(context.Background(), testPost()); err == nil {
		t.Fatal("expected embed error")
	}

	v = NewVectors(&fakeEmbedder{}, "m", &fakeVectors{})
	if err := v.Deliver(context.Background(), testPost()); err == nil {
		t.Fatal("expected empty vector error")
	}

	store := &fakeVectors{ensureErr: errors.New("qdrant down")}
	v = NewVectors(&fakeEmbedder{vec: []float32{1}}, "m", store)
	if err := v.Deliver(context.Background(), testPost()); err == nil {
		t.Fatal("expected ensure error")
	}
	store.ensureErr = nil
	if err := v.Deliver(context.Background(), testPost()); err != nil {
		t.Fatal(err)
	}
	if len(store.ensured) != 2 {
		t.Fatalf("ensure not retried after failure: %v", store.ensured)
	}
}
