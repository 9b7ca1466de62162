package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/db"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
)

// Journal is the durable event log the bus publishes through. The store
// backend satisfies it.
type Journal interface {
	AppendEvent(ctx context.Context, e *db.JournalEntry) (int64, error)
	ListEventsAfter(ctx context.Context, after int64, limit int) ([]*db.JournalEntry, error)
	GetCursor(ctx context.Context, subscriber string) (int64, error)
	SetCursor(ctx context.Context, subscriber string, seq int64, now time.Time) error
	DeleteCursor(ctx context.Context, subscriber string) error
}

// DeliveryMode selects the delivery guarantee for a subscription.
type DeliveryMode string

const (
	// AtLeastOnce replays from a persistent cursor; handlers must be
	// idempotent, keyed by (topic, correlation_id).
	AtLeastOnce DeliveryMode = "at_least_once"
	// BestEffort delivers through a bounded in-memory queue and may drop.
	BestEffort DeliveryMode = "best_effort"
)

// Handler processes one delivered event. A non-nil error triggers
// redelivery for at-least-once subscriptions.
type Handler func(ctx context.Context, e Event) error

const replayBatchSize = 100

type subscription struct {
	name    string
	pattern string
	mode    DeliveryMode
	handler Handler

	notify chan struct{} // durable wakeup, capacity 1
	queue  chan Event    // best-effort delivery queue

	fullSince time.Time // first enqueue failure of the current stall

	cancel context.CancelFunc
}

// Bus is the process-wide event bus. Publish returns once the event is
// durable in the journal; fan-out to subscribers is asynchronous.
type Bus struct {
	journal Journal
	clock   clock.Clock
	cfg     config.BusConfig
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a bus over the given journal.
func New(journal Journal, clk clock.Clock, cfg config.BusConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		journal: journal,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
		subs:    make(map[string]*subscription),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Publish durably appends the event and wakes matching subscribers.
// Missing envelope fields are filled in: correlation ID, occurred-at,
// schema version, and a partition key defaulting to the correlation ID.
func (b *Bus) Publish(ctx context.Context, e Event) (int64, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, kerr.ErrBusUnavailable(fmt.Errorf("bus is closed"))
	}
	b.mu.Unlock()

	if e.Topic == "" {
		return 0, kerr.ErrBadArtifact("event", "empty topic")
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.clock.Now()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	if e.PartitionKey == "" {
		e.PartitionKey = e.CorrelationID
	}

	seq, err := b.journal.AppendEvent(ctx, &db.JournalEntry{
		Topic:         e.Topic,
		PartitionKey:  e.PartitionKey,
		CorrelationID: e.CorrelationID,
		Actor:         e.Actor,
		Payload:       e.Payload,
		SchemaVersion: e.SchemaVersion,
		OccurredAt:    e.OccurredAt,
	})
	if err != nil {
		return 0, kerr.ErrBusUnavailable(err)
	}
	e.Seq = seq
	publishedTotal.WithLabelValues(e.Topic).Inc()

	b.fanOut(e)
	return seq, nil
}

func (b *Bus) fanOut(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	for _, sub := range b.subs {
		if !MatchTopic(sub.pattern, e.Topic) {
			continue
		}
		switch sub.mode {
		case AtLeastOnce:
			select {
			case sub.notify <- struct{}{}:
			default:
			}
		case BestEffort:
			select {
			case sub.queue <- e:
				sub.fullSince = time.Time{}
			default:
				droppedTotal.WithLabelValues(sub.name).Inc()
				if sub.fullSince.IsZero() {
					sub.fullSince = now
				} else if now.Sub(sub.fullSince) >= b.cfg.SlowConsumerTimeout {
					b.logger.Warn("disconnecting slow consumer",
						"subscriber", sub.name,
						"stalled_for", now.Sub(sub.fullSince))
					disconnectedTotal.WithLabelValues(sub.name).Inc()
					sub.cancel()
					delete(b.subs, sub.name)
				}
			}
		}
	}
}

// Subscribe registers a handler for topics matching the pattern. The
// subscriber name is the cursor identity for at-least-once subscriptions;
// resubscribing with the same name resumes from the acknowledged cursor.
func (b *Bus) Subscribe(name, pattern string, mode DeliveryMode, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return kerr.ErrBusUnavailable(fmt.Errorf("bus is closed"))
	}
	if _, exists := b.subs[name]; exists {
		return kerr.ErrConflict("subscription", name)
	}

	ctx, cancel := context.WithCancel(b.baseCtx)
	sub := &subscription{
		name:    name,
		pattern: pattern,
		mode:    mode,
		handler: handler,
		cancel:  cancel,
	}

	switch mode {
	case AtLeastOnce:
		sub.notify = make(chan struct{}, 1)
		// Kick once so pending journal entries replay immediately.
		sub.notify <- struct{}{}
		b.wg.Add(1)
		go b.runDurable(ctx, sub)
	case BestEffort:
		sub.queue = make(chan Event, b.cfg.SubscriberBuffer)
		b.wg.Add(1)
		go b.runBestEffort(ctx, sub)
	default:
		cancel()
		return kerr.ErrBadArtifact("subscription", fmt.Sprintf("unknown delivery mode %q", mode))
	}

	b.subs[name] = sub
	return nil
}

// Unsubscribe stops delivery to a subscriber. The persistent cursor is
// kept so a durable subscriber can resume where it left off.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// Close stops all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// runDurable tails the journal from the subscriber's cursor. The cursor
// advances over every journal entry, matching or not, so replay never
// re-scans foreign topics.
func (b *Bus) runDurable(ctx context.Context, sub *subscription) {
	defer b.wg.Done()

	cursor, err := b.journal.GetCursor(ctx, sub.name)
	if err != nil {
		b.logger.Error("load subscriber cursor", "subscriber", sub.name, "error", err)
		return
	}

	for {
		entries, err := b.journal.ListEventsAfter(ctx, cursor, replayBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("read journal", "subscriber", sub.name, "error", err)
			entries = nil
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if MatchTopic(sub.pattern, entry.Topic) {
				b.deliver(ctx, sub, journalEvent(entry))
			}
			cursor = entry.Seq
			if err := b.journal.SetCursor(ctx, sub.name, cursor, b.clock.Now()); err != nil {
				b.logger.Error("advance cursor", "subscriber", sub.name, "error", err)
			}
		}

		if len(entries) == replayBatchSize {
			continue // more backlog to drain before sleeping
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.notify:
		}
	}
}

// deliver invokes the handler with exponential-backoff retries, then
// quarantines the event to the dead-letter topic.
func (b *Bus) deliver(ctx context.Context, sub *subscription, e Event) {
	delay := b.cfg.RetryBase
	for attempt := 1; ; attempt++ {
		err := sub.handler(ctx, e)
		if err == nil {
			deliveredTotal.WithLabelValues(sub.name).Inc()
			return
		}
		if attempt >= b.cfg.MaxAttempts {
			b.logger.Error("delivery failed, quarantining",
				"subscriber", sub.name, "topic", e.Topic,
				"correlation_id", e.CorrelationID, "attempts", attempt, "error", err)
			b.deadLetter(ctx, e)
			return
		}
		b.logger.Warn("delivery failed, retrying",
			"subscriber", sub.name, "topic", e.Topic,
			"attempt", attempt, "backoff", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(delay):
		}
		delay *= time.Duration(b.cfg.RetryFactor)
	}
}

func (b *Bus) deadLetter(ctx context.Context, e Event) {
	deadLetterTotal.WithLabelValues(e.Topic).Inc()
	_, err := b.journal.AppendEvent(ctx, &db.JournalEntry{
		Topic:         DeadLetterPrefix + e.Topic,
		PartitionKey:  e.PartitionKey,
		CorrelationID: e.CorrelationID,
		Actor:         e.Actor,
		Payload:       e.Payload,
		SchemaVersion: e.SchemaVersion,
		OccurredAt:    b.clock.Now(),
	})
	if err != nil {
		b.logger.Error("append dead letter", "topic", e.Topic, "error", err)
	}
}

func (b *Bus) runBestEffort(ctx context.Context, sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.queue:
			if err := sub.handler(ctx, e); err != nil {
				b.logger.Warn("best-effort handler error",
					"subscriber", sub.name, "topic", e.Topic, "error", err)
				continue
			}
			deliveredTotal.WithLabelValues(sub.name).Inc()
		}
	}
}

func journalEvent(entry *db.JournalEntry) Event {
	return Event{
		Seq:           entry.Seq,
		Topic:         entry.Topic,
		PartitionKey:  entry.PartitionKey,
		CorrelationID: entry.CorrelationID,
		Actor:         entry.Actor,
		Payload:       entry.Payload,
		SchemaVersion: entry.SchemaVersion,
		OccurredAt:    entry.OccurredAt,
	}
}
