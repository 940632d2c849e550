package hub

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event types carried on the live channel.
const (
	EventPrices          = "prices"
	EventAgentState      = "agent_state"
	EventPortfolio       = "portfolio"
	EventTrade           = "trade"
	EventPendingDecision = "pending_decision"
	EventAgentRemoved    = "agent_removed"
	EventPong            = "pong"
)

// Event is one typed message broadcast to all live-channel subscribers.
type Event struct {
	Type    string      `json:"type"`
	AgentID string      `json:"agent_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// SnapshotFunc builds the consistency snapshot a new subscriber receives
// before any incremental event: current prices plus every agent's state.
type SnapshotFunc func() []Event

// subscriberBuffer bounds each subscriber's outbound queue. A subscriber
// that falls this far behind is disconnected rather than slowing producers.
const subscriberBuffer = 256

// Subscriber is one live-channel consumer with a bounded outbound queue.
type Subscriber struct {
	ch chan Event
}

// Events is the subscriber's receive channel. It is closed when the
// subscriber is dropped or unsubscribed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Hub fans state-change events out to every subscriber. Publishing never
// blocks: a subscriber whose queue is full is dropped on the spot.
type Hub struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	snapshot SnapshotFunc
	logger   zerolog.Logger
}

func New() *Hub {
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		logger: log.With().Str("component", "hub").Logger(),
	}
}

// SetSnapshot installs the snapshot builder used for joining subscribers.
// Must be called before the first Subscribe.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Subscribe registers a new subscriber. The snapshot is queued under the
// hub lock, before the subscriber becomes visible to Publish, so it always
// arrives ahead of any incremental event with no gap in between.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.snapshot != nil {
		for _, evt := range h.snapshot() {
			select {
			case sub.ch <- evt:
			default:
				// Snapshot exceeds the queue; deliver what fits.
				h.logger.Warn().Msg("snapshot truncated for new subscriber")
			}
		}
	}
	h.subs[sub] = struct{}{}
	h.logger.Debug().Int("subscribers", len(h.subs)).Msg("subscriber joined")
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(sub)
}

// Publish delivers the event to every subscriber without ever blocking.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			h.logger.Warn().Str("event", evt.Type).Msg("dropping slow subscriber")
			h.drop(sub)
		}
	}
}

// Send queues the event on a single subscriber, dropping it if full.
func (h *Hub) Send(sub *Subscriber, evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}
	select {
	case sub.ch <- evt:
	default:
		h.drop(sub)
	}
}

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// drop removes the subscriber. Caller holds h.mu.
func (h *Hub) drop(sub *Subscriber) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}
