package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"ecobin/internal/logging"
	"ecobin/internal/registry"
	"ecobin/internal/services"
)

// Publisher sends a message on the outbound telemetry channel.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ContainerMirror persists container fill readings.
type ContainerMirror interface {
	MirrorContainer(ctx context.Context, rec registry.ContainerRecord) error
}

// Subscriber is one realtime consumer.
type Subscriber struct {
	id      string
	events  chan Event
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id }

// Events delivers published events until the subscriber is removed.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Done is closed when the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped counts events discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

type outboundMessage struct {
	topic   string
	payload []byte
}

// Stats summarises hub delivery counters.
type Stats struct {
	Subscribers     int    `json:"subscribers"`
	Published       uint64 `json:"published"`
	Dropped         uint64 `json:"dropped"`
	Forwarded       uint64 `json:"forwarded"`
	OutboundDropped uint64 `json:"outbound_dropped"`
	OutboundFailed  uint64 `json:"outbound_failed"`
}

// Hub is the non-blocking event relay.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	publisher   Publisher
	mirror      ContainerMirror
	buffer      int
	outbound    chan outboundMessage
	logger      *slog.Logger

	published       atomic.Uint64
	dropped         atomic.Uint64
	forwarded       atomic.Uint64
	outboundDropped atomic.Uint64
	outboundFailed  atomic.Uint64
}

// NewHub builds a hub whose subscribers queue up to subscriberBuffer events
// and whose outbound relay queues up to outboundBuffer messages.
func NewHub(logger *slog.Logger, subscriberBuffer, outboundBuffer int) *Hub {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	if outboundBuffer <= 0 {
		outboundBuffer = 128
	}
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		buffer:      subscriberBuffer,
		outbound:    make(chan outboundMessage, outboundBuffer),
		logger:      logging.NewComponentLogger(logger, "broadcast"),
	}
}

// SetPublisher installs the outbound telemetry publisher.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

// SetMirror installs the container mirror.
func (h *Hub) SetMirror(m ContainerMirror) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirror = m
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:     uuid.NewString(),
		events: make(chan Event, h.buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()
	h.logger.Debug("subscriber added", logging.String("subscriber", sub.id), logging.Int("subscribers", count))
	return sub
}

// Unsubscribe removes sub. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.done) })
	if dropped := sub.Dropped(); dropped > 0 {
		h.logger.Info("subscriber removed with dropped events",
			logging.String("subscriber", sub.id),
			logging.Uint64("dropped", dropped),
		)
	}
}

// Publish delivers evt to every subscriber without blocking and returns the
// number of subscribers that received it.
func (h *Hub) Publish(evt Event) int {
	h.published.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subscribers {
		select {
		case sub.events <- evt:
			delivered++
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Emit builds and publishes an event.
func (h *Hub) Emit(eventType EventType, payload any) int {
	return h.Publish(NewEvent(eventType, payload))
}

// Forward queues a telemetry message for Run to publish. It reports false
// when the queue is full or no publisher is installed.
func (h *Hub) Forward(topic string, payload []byte) bool {
	h.mu.RLock()
	hasPublisher := h.publisher != nil
	h.mu.RUnlock()
	if !hasPublisher {
		return false
	}
	select {
	case h.outbound <- outboundMessage{topic: topic, payload: payload}:
		return true
	default:
		h.outboundDropped.Add(1)
		logging.WarnWithContext(h.logger, "outbound telemetry queue full; message dropped", "telemetry_queue_full",
			logging.String("topic", topic),
			logging.String(logging.FieldErrorHint, "check broker connectivity"),
			logging.String(logging.FieldImpact, "remote dashboard misses one material event"),
		)
		return false
	}
}

// Run drains the outbound queue until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.outbound:
			h.mu.RLock()
			publisher := h.publisher
			h.mu.RUnlock()
			if publisher == nil {
				continue
			}
			if err := publisher.Publish(ctx, msg.topic, msg.payload); err != nil {
				h.outboundFailed.Add(1)
				logging.WarnWithContext(h.logger, "telemetry publish failed", "telemetry_publish_failed",
					logging.String("topic", msg.topic),
					logging.String("kind", services.Kind(err)),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check broker credentials and connectivity"),
					logging.String(logging.FieldImpact, "remote dashboard misses one material event"),
				)
				continue
			}
			h.forwarded.Add(1)
		}
	}
}

// IngestFill mirrors a container reading into the registry and announces it.
// The announcement goes out even when mirroring fails.
func (h *Hub) IngestFill(ctx context.Context, rec registry.ContainerRecord) error {
	h.mu.RLock()
	mirror := h.mirror
	h.mu.RUnlock()

	var err error
	if mirror != nil {
		err = mirror.MirrorContainer(ctx, rec)
	}
	h.Emit(EventContainerUpdate, rec)
	return err
}

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	count := len(h.subscribers)
	h.mu.RUnlock()
	return Stats{
		Subscribers:     count,
		Published:       h.published.Load(),
		Dropped:         h.dropped.Load(),
		Forwarded:       h.forwarded.Load(),
		OutboundDropped: h.outboundDropped.Load(),
		OutboundFailed:  h.outboundFailed.Load(),
	}
}
