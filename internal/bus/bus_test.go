package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBus() *Bus {
	return New(8, 16, zap.NewNop())
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := newTestBus()
	var got []int
	b.Subscribe("t", func(Event) { got = append(got, 1) })
	b.Subscribe("t", func(Event) { got = append(got, 2) })
	b.Subscribe("t", func(Event) { got = append(got, 3) })

	b.Publish(NewEvent("t", "test", nil))

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := newTestBus()
	for i := 0; i < 100; i++ {
		b.Publish(NewEvent("nobody.listens", "test", nil))
	}
	// Retention is bounded, so mass publishing neither errors nor grows.
	assert.Len(t, b.Retained("", 0), 16)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := newTestBus()
	delivered := false
	b.Subscribe("t", func(Event) { panic("bad handler") })
	b.Subscribe("t", func(Event) { delivered = true })

	b.Publish(NewEvent("t", "test", nil))

	assert.True(t, delivered)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	count := 0
	unsub := b.Subscribe("t", func(Event) { count++ })

	b.Publish(NewEvent("t", "test", nil))
	unsub()
	b.Publish(NewEvent("t", "test", nil))

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, b.SubscriberCount("t"))
}

func TestPublishAsyncDrainsThroughWorker(t *testing.T) {
	b := newTestBus()
	var mu sync.Mutex
	var got []string
	b.Subscribe("t", func(ev Event) {
		mu.Lock()
		got = append(got, ev.Data["n"].(string))
		mu.Unlock()
	})

	b.Start()
	for _, n := range []string{"a", "b", "c"} {
		b.PublishAsync(NewEvent("t", "test", map[string]any{"n": n}))
	}
	b.Stop(true, time.Second)

	// FIFO per publisher.
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPublishAsyncDropsNewestWhenFull(t *testing.T) {
	b := New(2, 16, zap.NewNop())
	// Worker not started: the queue fills and the newest events drop.
	for i := 0; i < 10; i++ {
		b.PublishAsync(NewEvent("t", "test", nil))
	}
	assert.Equal(t, 2, b.QueueLen())

	// Stopping without a running worker is a no-op.
	b.Stop(false, time.Second)
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	b := newTestBus()
	b.Start()
	b.Start() // no second worker
	b.Stop(true, time.Second)
	b.Stop(true, time.Second)

	b.Start()
	b.Stop(false, time.Second)
}

func TestStopDiscardsUndrainedEvents(t *testing.T) {
	b := New(4, 16, zap.NewNop())
	for i := 0; i < 4; i++ {
		b.PublishAsync(NewEvent("t", "test", nil))
	}
	b.Start()
	// Zero timeout: drain gives up immediately, sentinel still stops the
	// worker cleanly.
	b.Stop(true, 0)
}

func TestStopCompletesUnderConcurrentPublishers(t *testing.T) {
	b := New(2, -1, zap.NewNop())
	b.Start()

	// Publishers racing Stop can refill the slot it frees for the
	// sentinel; Stop must still land it and return.
	quit := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-quit:
					return
				default:
					b.PublishAsync(NewEvent("noise", "test", nil))
				}
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		b.Stop(false, time.Second)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return with publishers racing the sentinel")
	}

	close(quit)
	wg.Wait()
}

func TestRetainedFiltering(t *testing.T) {
	b := newTestBus()
	for i := 0; i < 5; i++ {
		b.Publish(NewEvent("a", "test", nil))
		b.Publish(NewEvent("b", "test", nil))
	}

	assert.Len(t, b.Retained("a", 0), 5)
	assert.Len(t, b.Retained("a", 2), 2)
	assert.Len(t, b.Retained("", 0), 10)
}

func TestRetentionBoundPreservesPublishOrder(t *testing.T) {
	b := New(8, 4, zap.NewNop())
	for i := 0; i < 10; i++ {
		b.Publish(Event{Topic: "t", Source: "test", Timestamp: time.Now(), CorrelationID: string(rune('a' + i))})
	}
	got := b.Retained("t", 0)
	require.Len(t, got, 4)
	assert.Equal(t, "g", got[0].CorrelationID)
	assert.Equal(t, "j", got[3].CorrelationID)
}

func TestRetentionDisabled(t *testing.T) {
	b := New(8, -1, zap.NewNop())
	b.Publish(NewEvent("t", "test", nil))
	assert.Nil(t, b.Retained("", 0))
}
