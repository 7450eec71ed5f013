// Package feed implements the change feed routers: each router tails the
// watch store's change feed from its subscription point, matches events
// against a filter, projects matching new-images through a fixed field
// template, and enqueues the result with a deterministic dedup key.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clinichub/ddxwatch/internal/store"
)

// Polling and retry behavior for the feed tail loop.
const (
	defaultPollEvery  = time.Second
	defaultBatchSize  = 25
	enqueueAttempts   = 3
	enqueueRetryDelay = 500 * time.Millisecond
)

// Source is the change feed read surface the router consumes. Implemented
// by *store.Store.
type Source interface {
	LatestSeq(ctx context.Context) (int64, error)
	Changes(ctx context.Context, kind store.Kind, afterSeq int64, limit int) ([]store.ChangeEvent, error)
}

// Sink is the enqueue surface. Implemented by *queue.Queue.
type Sink interface {
	Send(ctx context.Context, body []byte, groupKey, dedupKey string) (bool, error)
	SendRaw(ctx context.Context, body []byte, groupKey string) error
}

// Filter matches change events. Event names are matched against the
// allowed set; the field check is an exact, case-sensitive string equality
// against a dotted path into the new-image. Non-string values never match.
type Filter struct {
	EventNames []string
	Field      string
	Equals     string
}

// Route describes one feed-to-queue wiring: which record kind to tail, the
// matching filter, the output field template (output field -> new-image
// path), the dedup-key source path, and the group key stamped on every
// message.
type Route struct {
	Name       string
	Kind       store.Kind
	Filter     Filter
	Template   map[string]string
	DedupField string
	GroupKey   string
}

// Router tails one route. A cold router subscribes at the feed tail —
// events from before Start are never delivered.
type Router struct {
	source Source
	sink   Sink
	dlq    Sink
	route  Route
	logger *slog.Logger

	cursor    int64
	pollEvery time.Duration
	batchSize int

	// sleepFunc waits between enqueue retries; tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewRouter creates a router for one route. dlq receives raw batches after
// exhausted enqueue retries; it may equal sink's paired dead-letter queue.
func NewRouter(source Source, sink, dlq Sink, route Route, logger *slog.Logger) *Router {
	return &Router{
		source:    source,
		sink:      sink,
		dlq:       dlq,
		route:     route,
		logger:    logger,
		pollEvery: defaultPollEvery,
		batchSize: defaultBatchSize,
		sleepFunc: sleepCtx,
	}
}

// Subscribe positions the router at the current feed tail. Events
// written before subscription are never delivered.
func (r *Router) Subscribe(ctx context.Context) error {
	tail, err := r.source.LatestSeq(ctx)
	if err != nil {
		return fmt.Errorf("feed: router %s: reading feed tail: %w", r.route.Name, err)
	}

	r.cursor = tail

	return nil
}

// Start subscribes at the current feed tail and tails the feed until the
// context is canceled.
func (r *Router) Start(ctx context.Context) error {
	if err := r.Subscribe(ctx); err != nil {
		return err
	}

	r.logger.Info("feed router started",
		slog.String("route", r.route.Name),
		slog.Int64("cursor", r.cursor),
	)

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				// Feed read errors are transient (shared DB busy, shutdown
				// races). Log and retry on the next tick.
				r.logger.Warn("feed drain failed",
					slog.String("route", r.route.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Drain processes all feed events past the cursor. Exported for one-shot
// runs and tests; Start calls it on every tick.
func (r *Router) Drain(ctx context.Context) error {
	for {
		events, err := r.source.Changes(ctx, r.route.Kind, r.cursor, r.batchSize)
		if err != nil {
			return fmt.Errorf("feed: router %s: reading changes: %w", r.route.Name, err)
		}

		if len(events) == 0 {
			return nil
		}

		if err := r.processBatch(ctx, events); err != nil {
			return err
		}

		r.cursor = events[len(events)-1].Seq
	}
}

// processBatch routes one batch of events. A single bad record is skipped;
// enqueue failures retry the remaining batch as a unit, then dead-letter
// the raw batch and move on (inherited at-least-once batch semantics).
func (r *Router) processBatch(ctx context.Context, events []store.ChangeEvent) error {
	var lastErr error

	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		if attempt > 0 {
			if err := r.sleepFunc(ctx, enqueueRetryDelay); err != nil {
				return err
			}
		}

		lastErr = r.enqueueBatch(ctx, events)
		if lastErr == nil {
			return nil
		}

		r.logger.Warn("batch enqueue failed",
			slog.String("route", r.route.Name),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}

	return r.deadLetterBatch(ctx, events, lastErr)
}

// enqueueBatch evaluates and enqueues every event in the batch. Skips
// (non-matching or malformed events) are final; only enqueue errors abort,
// and the whole batch is retried since Send dedup makes re-enqueues of
// already-sent events no-ops.
func (r *Router) enqueueBatch(ctx context.Context, events []store.ChangeEvent) error {
	for i := range events {
		ev := &events[i]

		body, dedupKey, ok := r.evaluate(ev)
		if !ok {
			continue
		}

		sent, err := r.sink.Send(ctx, body, r.route.GroupKey, dedupKey)
		if err != nil {
			return fmt.Errorf("feed: router %s: enqueue seq %d: %w", r.route.Name, ev.Seq, err)
		}

		if sent {
			r.logger.Debug("change routed",
				slog.String("route", r.route.Name),
				slog.Int64("seq", ev.Seq),
				slog.String("dedup_key", dedupKey),
			)
		}
	}

	return nil
}

// evaluate applies the filter and template to one event. Returns ok=false
// for non-matching events and for malformed new-images (missing template
// or dedup fields), which are skipped without blocking the batch.
func (r *Router) evaluate(ev *store.ChangeEvent) (body []byte, dedupKey string, ok bool) {
	if !r.matchEventName(ev.EventName) {
		return nil, "", false
	}

	img, err := decodeImage(ev.NewImage)
	if err != nil {
		r.logger.Warn("skipping malformed new-image",
			slog.String("route", r.route.Name),
			slog.Int64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)

		return nil, "", false
	}

	value, found := lookupPath(img, r.route.Filter.Field)
	if !found || value != r.route.Filter.Equals {
		return nil, "", false
	}

	out := make(map[string]string, len(r.route.Template))

	for field, path := range r.route.Template {
		v, found := lookupPath(img, path)
		if !found {
			r.logger.Warn("skipping record missing template field",
				slog.String("route", r.route.Name),
				slog.Int64("seq", ev.Seq),
				slog.String("field", path),
			)

			return nil, "", false
		}

		out[field] = v
	}

	dedupKey, found = lookupPath(img, r.route.DedupField)
	if !found {
		r.logger.Warn("skipping record missing dedup field",
			slog.String("route", r.route.Name),
			slog.Int64("seq", ev.Seq),
			slog.String("field", r.route.DedupField),
		)

		return nil, "", false
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		r.logger.Warn("skipping unencodable message",
			slog.String("route", r.route.Name),
			slog.Int64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)

		return nil, "", false
	}

	return encoded, dedupKey, true
}

func (r *Router) matchEventName(name string) bool {
	for _, n := range r.route.Filter.EventNames {
		if n == name {
			return true
		}
	}

	return false
}

// deadLetterBatch sends the raw batch to the dead-letter sink and advances
// past it. The batch payload preserves the original events for operator
// replay.
func (r *Router) deadLetterBatch(ctx context.Context, events []store.ChangeEvent, cause error) error {
	payload, err := json.Marshal(map[string]any{
		"route":  r.route.Name,
		"cause":  cause.Error(),
		"events": events,
	})
	if err != nil {
		return fmt.Errorf("feed: router %s: encoding dead batch: %w", r.route.Name, err)
	}

	if err := r.dlq.SendRaw(ctx, payload, r.route.GroupKey); err != nil {
		return fmt.Errorf("feed: router %s: dead-lettering batch: %w", r.route.Name, err)
	}

	r.logger.Error("batch dead-lettered after exhausted enqueue retries",
		slog.String("route", r.route.Name),
		slog.Int("events", len(events)),
		slog.String("cause", cause.Error()),
	)

	return nil
}

// decodeImage parses a new-image snapshot into a generic map for path
// lookup.
func decodeImage(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	return m, nil
}

// lookupPath resolves a dotted path (e.g. "metadata.s3Key") into a string
// value. Only string leaves resolve — numeric or nested values report not
// found, so filters never coerce types.
func lookupPath(img map[string]any, path string) (string, bool) {
	if path == "" {
		return "", false
	}

	segments := strings.Split(path, ".")
	current := any(img)

	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}

		current, ok = m[seg]
		if !ok {
			return "", false
		}
	}

	s, ok := current.(string)

	return s, ok
}

// sleepCtx waits for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
