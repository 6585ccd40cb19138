package multicast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revnotify/internal/metrics"
	"revnotify/internal/wire"
)

func ev(method string) *wire.Event {
	return &wire.Event{Service: "NotificationInterface", Method: method}
}

func TestHub_FanOut(t *testing.T) {
	h := New(4, nil)
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Deliver(ev("progress"))

	assert.Equal(t, "progress", (<-a).Method)
	assert.Equal(t, "progress", (<-b).Method)
	assert.Equal(t, 2, h.Subscribers())
}

func TestHub_MethodFilter(t *testing.T) {
	h := New(4, nil)
	only, cancel := h.Subscribe(WithMethods("newRevision"))
	defer cancel()

	h.Deliver(ev("progress"))
	h.Deliver(ev("newRevision"))

	got := <-only
	assert.Equal(t, "newRevision", got.Method)
	assert.Len(t, only, 0, "filtered subscriber should not see other methods")
}

func TestHub_WithMethodsEmptyIsUnfiltered(t *testing.T) {
	h := New(4, nil)
	ch, cancel := h.Subscribe(WithMethods())
	defer cancel()
	h.Deliver(ev("anything"))
	assert.Len(t, ch, 1)
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	m := metrics.New()
	h := New(2, m)
	slow, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Deliver(ev("progress"))
	}
	assert.Len(t, slow, 2)
	assert.Equal(t, int64(3), m.EventsDropped())
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := New(1, nil)
	ch, cancel := h.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_Close(t *testing.T) {
	h := New(1, nil)
	ch, cancel := h.Subscribe()
	h.Close()
	h.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	h.Deliver(ev("progress")) // ignored, must not panic

	late, _ := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")
}

func TestHub_ConcurrentDeliverAndSubscribe(t *testing.T) {
	h := New(8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Deliver(ev("progress"))
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel := h.Subscribe()
			for j := 0; j < 10; j++ {
				select {
				case <-ch:
				default:
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, h.Subscribers())
}
