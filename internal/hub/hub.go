package hub

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topics observers may subscribe to.
const (
	TopicJobs         = "jobs"
	TopicRepositories = "repositories"
	TopicDashboard    = "dashboard"
	TopicAlerts       = "alerts"
	TopicMetrics      = "metrics"
)

// Event names pushed to subscribers.
const (
	EventJobsUpdate     = "jobs:update"
	EventReposUpdate    = "repositories:update"
	EventDashboardStats = "dashboard:stats"
	EventDashboardError = "dashboard:error"
	EventAlertNew       = "alerts:new"
	EventAlertUpdate    = "alerts:update"
	EventSystemMetrics  = "system:metrics"
	EventShutdown       = "system:shutdown"
)

// Event is the typed envelope fanned out to subscribers.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Observer receives events for the topics it is subscribed to.
type Observer struct {
	id     string
	events chan Event

	mu     sync.RWMutex
	closed bool
}

// NewObserver creates an observer with the given receive buffer depth.
func NewObserver(buffer int) *Observer {
	if buffer <= 0 {
		buffer = 16
	}
	return &Observer{
		id:     uuid.NewString(),
		events: make(chan Event, buffer),
	}
}

// ID returns the observer's identity.
func (o *Observer) ID() string {
	return o.id
}

// Events is the receive side of the observer's event stream. It is closed
// when the observer is removed from the hub.
func (o *Observer) Events() <-chan Event {
	return o.events
}

// send delivers event unless the observer is closed or its buffer is full.
// The read lock excludes close, so a publisher can never send on a closed
// channel even when the observer disconnects mid-publish.
func (o *Observer) send(event Event) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.events <- event:
		return true
	default:
		return false
	}
}

func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.events)
}

// Hub is a channel-based publish/subscribe fan-out. Delivery is best-effort
// at publish time: no buffering beyond each observer's channel, and an
// observer connecting after a publish misses that event.
//
// Hub is safe for concurrent use.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]map[string]*Observer
	closed bool
}

// New creates a hub.
func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		topics: make(map[string]map[string]*Observer),
	}
}

// Subscribe adds observer to topic. An observer appears under a topic at
// most once; re-subscribing is a no-op.
func (h *Hub) Subscribe(topic string, observer *Observer) {
	if observer == nil {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	subscribers, ok := h.topics[topic]
	if !ok {
		subscribers = make(map[string]*Observer)
		h.topics[topic] = subscribers
	}
	subscribers[observer.id] = observer
	count := len(subscribers)
	h.mu.Unlock()

	h.logger.Debug("observer subscribed",
		zap.String("topic", topic),
		zap.String("observer", observer.id),
		zap.Int("subscribers", count),
	)
}

// Unsubscribe removes observer from topic.
func (h *Hub) Unsubscribe(topic string, observer *Observer) {
	if observer == nil {
		return
	}

	h.mu.Lock()
	subscribers := h.topics[topic]
	delete(subscribers, observer.id)
	if len(subscribers) == 0 {
		delete(h.topics, topic)
	}
	count := len(subscribers)
	h.mu.Unlock()

	h.logger.Debug("observer unsubscribed",
		zap.String("topic", topic),
		zap.String("observer", observer.id),
		zap.Int("subscribers", count),
	)
}

// RemoveObserver purges observer from every topic and closes its event
// stream. Used on observer disconnect.
func (h *Hub) RemoveObserver(observer *Observer) {
	if observer == nil {
		return
	}

	h.mu.Lock()
	for topic, subscribers := range h.topics {
		delete(subscribers, observer.id)
		if len(subscribers) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	observer.close()
	h.logger.Debug("observer removed", zap.String("observer", observer.id))
}

// Publish dispatches event to exactly the observers currently subscribed to
// topic. Delivery within one call is synchronous and ordered; an observer
// whose buffer is full has the event dropped.
func (h *Hub) Publish(topic string, event Event) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	subscribers := h.topics[topic]
	targets := make([]*Observer, 0, len(subscribers))
	for _, observer := range subscribers {
		targets = append(targets, observer)
	}
	h.mu.RUnlock()

	for _, observer := range targets {
		if !observer.send(event) {
			h.logger.Warn("dropped event for slow or departed observer",
				zap.String("topic", topic),
				zap.String("event", event.Event),
				zap.String("observer", observer.id),
			)
		}
	}
}

// SubscriberCounts reports the current subscriber count per topic.
func (h *Hub) SubscriberCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[string]int, len(h.topics))
	for topic, subscribers := range h.topics {
		counts[topic] = len(subscribers)
	}
	return counts
}

// Healthy reports hub liveness.
func (h *Hub) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.closed
}

// Shutdown notifies every observer of shutdown, then removes all observers.
// It is idempotent.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true

	removed := make(map[string]*Observer)
	for _, subscribers := range h.topics {
		for id, observer := range subscribers {
			removed[id] = observer
		}
	}
	h.topics = make(map[string]map[string]*Observer)
	h.mu.Unlock()

	for _, observer := range removed {
		observer.send(Event{Event: EventShutdown})
		observer.close()
	}
	h.logger.Info("broadcast hub shut down", zap.Int("observers", len(removed)))
}
