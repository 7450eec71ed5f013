package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/clinichub/ddxwatch/internal/queue"
	"github.com/clinichub/ddxwatch/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// failingSink fails Send a configured number of times before delegating.
type failingSink struct {
	inner    Sink
	failures int
	calls    int
}

func (f *failingSink) Send(ctx context.Context, body []byte, groupKey, dedupKey string) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, errors.New("enqueue unavailable")
	}

	return f.inner.Send(ctx, body, groupKey, dedupKey)
}

func (f *failingSink) SendRaw(ctx context.Context, body []byte, groupKey string) error {
	return f.inner.SendRaw(ctx, body, groupKey)
}

// harness wires a store, an upload queue, a DLQ, and a document router.
type harness struct {
	store  *store.Store
	queue  *queue.Queue
	dlq    *queue.Queue
	router *Router
}

func newHarness(t *testing.T, wrap func(Sink) Sink) *harness {
	t.Helper()

	s, err := store.Open(":memory:", testLogger(t))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	q := queue.New(s.DB(), queue.Config{Name: "upload", Visibility: 180 * time.Second}, testLogger(t))
	dlq := queue.New(s.DB(), queue.Config{Name: "upload-dlq", Visibility: 180 * time.Second}, testLogger(t))

	var sink Sink = q
	if wrap != nil {
		sink = wrap(q)
	}

	r := NewRouter(s, sink, dlq, DocumentUploadRoute(), testLogger(t))
	r.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return &harness{store: s, queue: q, dlq: dlq, router: r}
}

func putDocument(t *testing.T, s *store.Store, fileID string, status store.Status) {
	t.Helper()

	err := s.Put(context.Background(), &store.WatchRecord{
		Kind:        store.KindDocument,
		PrimaryID:   fileID,
		SecondaryID: "firm-a",
		TenantID:    "firm-a",
		Status:      status,
		NextPollAt:  time.Now(),
		ExpiresAt:   time.Now().Add(24 * time.Hour),
		Metadata: map[string]string{
			"patientId":   "pat-1",
			"encounterId": "enc-1",
			"category":    "imaging",
		},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func subscribe(t *testing.T, h *harness) {
	t.Helper()

	if err := h.router.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func TestRouter_MatchingStatusProducesOneMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	subscribe(t, h)
	putDocument(t, h.store, "file-1", store.StatusNew)

	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	msgs, err := h.queue.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}

	if msgs[0].DedupKey != "file-1" {
		t.Errorf("dedup key = %q, want the entity id file-1", msgs[0].DedupKey)
	}

	if msgs[0].GroupKey != "imaging-metadata" {
		t.Errorf("group key = %q, want imaging-metadata", msgs[0].GroupKey)
	}

	var body map[string]string
	if err := json.Unmarshal(msgs[0].Body, &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}

	want := map[string]string{
		"fileId":      "file-1",
		"firmId":      "firm-a",
		"patientId":   "pat-1",
		"encounterId": "enc-1",
		"category":    "imaging",
	}

	for k, v := range want {
		if body[k] != v {
			t.Errorf("body[%s] = %q, want %q", k, body[k], v)
		}
	}
}

func TestRouter_NonMatchingStatusProducesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	subscribe(t, h)

	for _, status := range []store.Status{store.StatusPolling, store.StatusFound, store.StatusAnalyzed, store.StatusError} {
		putDocument(t, h.store, "file-"+string(status), status)
	}

	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	msgs, err := h.queue.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(msgs) != 0 {
		t.Fatalf("got %d messages for non-NEW statuses, want 0", len(msgs))
	}
}

func TestRouter_FilterIsCaseSensitiveExactMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	subscribe(t, h)

	// Lowercase "new" must not match the "NEW" filter.
	putDocument(t, h.store, "file-lc", store.Status("new"))

	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	msgs, err := h.queue.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(msgs) != 0 {
		t.Fatalf("lowercase status matched the NEW filter")
	}
}

func TestRouter_ColdStartMissesBacklog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	// Written before subscription: never delivered.
	putDocument(t, h.store, "file-old", store.StatusNew)

	subscribe(t, h)
	putDocument(t, h.store, "file-new", store.StatusNew)

	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	msgs, err := h.queue.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (backlog must be skipped)", len(msgs))
	}

	if msgs[0].DedupKey != "file-new" {
		t.Errorf("delivered %q, want file-new", msgs[0].DedupKey)
	}
}

func TestRouter_MalformedImageSkippedWithoutBlockingBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	subscribe(t, h)

	// Missing template fields (no metadata at all).
	err := h.store.Put(ctx, &store.WatchRecord{
		Kind:        store.KindDocument,
		PrimaryID:   "file-broken",
		SecondaryID: "firm-a",
		TenantID:    "firm-a",
		Status:      store.StatusNew,
		NextPollAt:  time.Now(),
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	putDocument(t, h.store, "file-good", store.StatusNew)

	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	msgs, err := h.queue.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(msgs) != 1 || msgs[0].DedupKey != "file-good" {
		t.Fatalf("got %v, want only file-good routed", msgs)
	}
}

func TestRouter_ExhaustedEnqueueRetriesDeadLetterBatch(t *testing.T) {
	t.Parallel()

	var fs *failingSink

	h := newHarness(t, func(inner Sink) Sink {
		fs = &failingSink{inner: inner, failures: 100}
		return fs
	})
	ctx := context.Background()

	subscribe(t, h)
	putDocument(t, h.store, "file-1", store.StatusNew)

	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if fs.calls != enqueueAttempts {
		t.Errorf("sink called %d times, want %d", fs.calls, enqueueAttempts)
	}

	dead, err := h.dlq.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("DLQ Receive: %v", err)
	}

	if len(dead) != 1 {
		t.Fatalf("got %d dead batches, want 1", len(dead))
	}

	var payload struct {
		Route  string            `json:"route"`
		Cause  string            `json:"cause"`
		Events []json.RawMessage `json:"events"`
	}

	if err := json.Unmarshal(dead[0].Body, &payload); err != nil {
		t.Fatalf("decoding dead batch: %v", err)
	}

	if payload.Route != "document-watch-to-upload" || len(payload.Events) != 1 {
		t.Errorf("dead batch = %+v, want 1 event for document route", payload)
	}

	// Cursor advanced past the poisoned batch: once the sink recovers,
	// a later write still routes.
	fs.failures = 0

	putDocument(t, h.store, "file-2", store.StatusNew)

	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain after dead-letter: %v", err)
	}

	msgs, err := h.queue.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(msgs) != 1 || msgs[0].DedupKey != "file-2" {
		t.Fatalf("got %v, want file-2 routed after dead-lettered batch", msgs)
	}
}

func TestRouter_TransientEnqueueFailureRetriesBatch(t *testing.T) {
	t.Parallel()

	var fs *failingSink

	h := newHarness(t, func(inner Sink) Sink {
		fs = &failingSink{inner: inner, failures: 1}
		return fs
	})
	ctx := context.Background()

	subscribe(t, h)
	putDocument(t, h.store, "file-1", store.StatusNew)

	if err := h.router.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	msgs, err := h.queue.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(msgs) != 1 {
		t.Fatalf("got %d messages after transient failure, want 1", len(msgs))
	}
}

func TestLookupPath(t *testing.T) {
	t.Parallel()

	img := map[string]any{
		"status": "NEW",
		"metadata": map[string]any{
			"patientId": "pat-1",
		},
		"nextPollAt": float64(12345),
	}

	tests := []struct {
		path  string
		want  string
		found bool
	}{
		{"status", "NEW", true},
		{"metadata.patientId", "pat-1", true},
		{"metadata.missing", "", false},
		{"nextPollAt", "", false}, // numeric values never match
		{"metadata", "", false},   // non-leaf values never match
		{"", "", false},
	}

	for _, tt := range tests {
		got, found := lookupPath(img, tt.path)
		if got != tt.want || found != tt.found {
			t.Errorf("lookupPath(%q) = (%q, %v), want (%q, %v)", tt.path, got, found, tt.want, tt.found)
		}
	}
}
