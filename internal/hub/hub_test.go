package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscriber, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case evt, ok := <-sub.Events():
			require.True(t, ok, "channel closed after %d events", i)
			events = append(events, evt)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	return events
}

func TestSubscriberReceivesSnapshotBeforeIncrementals(t *testing.T) {
	h := New()
	h.SetSnapshot(func() []Event {
		return []Event{
			{Type: EventPrices},
			{Type: EventAgentState, AgentID: "a1"},
			{Type: EventAgentState, AgentID: "a2"},
		}
	})

	sub := h.Subscribe()
	h.Publish(Event{Type: EventTrade, AgentID: "a1"})

	events := collect(t, sub, 4)
	assert.Equal(t, EventPrices, events[0].Type)
	assert.Equal(t, EventAgentState, events[1].Type)
	assert.Equal(t, EventAgentState, events[2].Type)
	assert.Equal(t, EventTrade, events[3].Type)
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := New()
	a, b := h.Subscribe(), h.Subscribe()

	h.Publish(Event{Type: EventPortfolio, AgentID: "x"})

	assert.Equal(t, "x", collect(t, a, 1)[0].AgentID)
	assert.Equal(t, "x", collect(t, b, 1)[0].AgentID)
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	h := New()
	slow := h.Subscribe()
	fast := h.Subscribe()

	// Drain fast continuously; never drain slow
	received := make(chan int)
	go func() {
		n := 0
		for range fast.Events() {
			n++
		}
		received <- n
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			h.Publish(Event{Type: EventPrices, AgentID: fmt.Sprint(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	assert.Equal(t, 1, h.SubscriberCount())

	// The slow subscriber's channel ends up closed with at most one
	// buffer's worth delivered
	drained := 0
	for range slow.Events() {
		drained++
	}
	assert.LessOrEqual(t, drained, subscriberBuffer)

	// The fast subscriber missed nothing
	h.Unsubscribe(fast)
	assert.Equal(t, subscriberBuffer+10, <-received)
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	h.Unsubscribe(sub) // second call is a no-op

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Zero(t, h.SubscriberCount())

	// Publishing after everyone left is fine
	h.Publish(Event{Type: EventTrade})
}

func TestSnapshotReflectsJoinTime(t *testing.T) {
	h := New()
	state := "before"
	h.SetSnapshot(func() []Event {
		return []Event{{Type: EventAgentState, AgentID: state}}
	})

	early := h.Subscribe()
	state = "after"
	late := h.Subscribe()

	assert.Equal(t, "before", collect(t, early, 1)[0].AgentID)
	assert.Equal(t, "after", collect(t, late, 1)[0].AgentID)
}
