package bus_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/clock"
	"github.com/kestrelhq/kestrel/internal/config"
	kerr "github.com/kestrelhq/kestrel/internal/errors"
	"github.com/kestrelhq/kestrel/internal/store"
)

func testBusConfig() config.BusConfig {
	cfg := config.Default().Bus
	cfg.RetryBase = time.Millisecond
	cfg.MaxAttempts = 3
	return cfg
}

func newTestBus(t *testing.T) (*bus.Bus, *store.DatabaseBackend) {
	t.Helper()
	backend := store.NewTestBackend(t)
	b := bus.New(backend, clock.NewSystem(), testBusConfig(), nil)
	t.Cleanup(b.Close)
	return b, backend
}

// collector accumulates delivered events behind a mutex.
type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collector) handle(_ context.Context, e bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) snapshot() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Event(nil), c.events...)
}

func TestMatchTopic(t *testing.T) {
	assert.True(t, bus.MatchTopic("task.*", "task.created"))
	assert.False(t, bus.MatchTopic("task.*", "task.heartbeat.missed"))
	assert.True(t, bus.MatchTopic("agent.**", "agent.heartbeat.missed"))
	assert.True(t, bus.MatchTopic("task.created", "task.created"))
	assert.False(t, bus.MatchTopic("task.created", "ticket.created"))
	assert.True(t, bus.MatchTopic("{task.assigned,validation.failed}", "validation.failed"))
	assert.False(t, bus.MatchTopic("{task.assigned,validation.failed}", "task.created"))
}

func TestPublishFillsEnvelope(t *testing.T) {
	b, _ := newTestBus(t)

	seq, err := b.Publish(context.Background(), bus.Event{Topic: "task.created", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	_, err = b.Publish(context.Background(), bus.Event{})
	require.Error(t, err, "empty topic rejected")
}

func TestDurableDeliveryInOrder(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	var c collector
	require.NoError(t, b.Subscribe("orders", "task.*", bus.AtLeastOnce, c.handle))

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, bus.Event{
			Topic:        "task.created",
			PartitionKey: "t1",
			Payload:      []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return c.len() == 5 }, 5*time.Second, 10*time.Millisecond)

	events := c.snapshot()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq, "submission order preserved")
	}
}

func TestDurableReplayFromCursor(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	// Events published before the subscription exist in the journal and
	// replay on subscribe.
	_, err := b.Publish(ctx, bus.Event{Topic: "task.created", Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)
	_, err = b.Publish(ctx, bus.Event{Topic: "task.completed", Payload: []byte(`{"n":2}`)})
	require.NoError(t, err)

	var c collector
	require.NoError(t, b.Subscribe("replayer", "task.**", bus.AtLeastOnce, c.handle))
	require.Eventually(t, func() bool { return c.len() == 2 }, 5*time.Second, 10*time.Millisecond)

	// Resubscribing under the same name resumes past acknowledged events.
	b.Unsubscribe("replayer")
	_, err = b.Publish(ctx, bus.Event{Topic: "task.failed", Payload: []byte(`{"n":3}`)})
	require.NoError(t, err)

	var c2 collector
	require.NoError(t, b.Subscribe("replayer", "task.**", bus.AtLeastOnce, c2.handle))
	require.Eventually(t, func() bool { return c2.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "task.failed", c2.snapshot()[0].Topic)
}

func TestDurableSkipsForeignTopics(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	var c collector
	require.NoError(t, b.Subscribe("tasks-only", "task.*", bus.AtLeastOnce, c.handle))

	_, err := b.Publish(ctx, bus.Event{Topic: "ticket.created", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = b.Publish(ctx, bus.Event{Topic: "task.created", Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "task.created", c.snapshot()[0].Topic)
}

func TestBestEffortDelivery(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	var c collector
	require.NoError(t, b.Subscribe("mailbox", "{task.assigned,validation.failed}", bus.BestEffort, c.handle))

	_, err := b.Publish(ctx, bus.Event{Topic: "task.assigned", PartitionKey: "agent-1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = b.Publish(ctx, bus.Event{Topic: "task.created", Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "task.assigned", c.snapshot()[0].Topic)
}

func TestRetryThenDeadLetter(t *testing.T) {
	b, backend := newTestBus(t)
	ctx := context.Background()

	var attempts int
	var mu sync.Mutex
	require.NoError(t, b.Subscribe("flaky", "task.*", bus.AtLeastOnce,
		func(_ context.Context, e bus.Event) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return fmt.Errorf("handler is broken")
		}))

	_, err := b.Publish(ctx, bus.Event{Topic: "task.created", CorrelationID: "corr-x", Payload: []byte(`{}`)})
	require.NoError(t, err)

	// After the retry budget the event lands on the dead-letter topic.
	require.Eventually(t, func() bool {
		entries, err := backend.ListEventsAfter(ctx, 0, 50)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Topic, bus.DeadLetterPrefix) {
				return e.CorrelationID == "corr-x"
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestDuplicateSubscriberName(t *testing.T) {
	b, _ := newTestBus(t)

	noop := func(context.Context, bus.Event) error { return nil }
	require.NoError(t, b.Subscribe("dup", "task.*", bus.AtLeastOnce, noop))
	err := b.Subscribe("dup", "ticket.*", bus.BestEffort, noop)
	require.Error(t, err)
	assert.Equal(t, kerr.CodeConflict, kerr.CodeOf(err))
}

func TestPublishAfterClose(t *testing.T) {
	backend := store.NewTestBackend(t)
	b := bus.New(backend, clock.NewSystem(), testBusConfig(), nil)
	b.Close()

	_, err := b.Publish(context.Background(), bus.Event{Topic: "task.created"})
	require.Error(t, err)
}

func TestEmitHelper(t *testing.T) {
	b, _ := newTestBus(t)

	var c collector
	require.NoError(t, b.Subscribe("emit", "ticket.*", bus.AtLeastOnce, c.handle))

	_, err := bus.Emit(context.Background(), b, "ticket.created", "ticket-1", "agent-1", map[string]string{"title": "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	e := c.snapshot()[0]
	assert.Equal(t, "ticket-1", e.PartitionKey)
	assert.Equal(t, "agent-1", e.Actor)
	assert.JSONEq(t, `{"title":"hello"}`, string(e.Payload))
}
