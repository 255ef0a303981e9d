package stream

import (
	"context"
	"sync"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 16

var (
	subscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adventure_stream_subscribers_active",
		Help: "Number of active chunk stream subscribers on this instance.",
	})
	chunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adventure_stream_chunks_dropped_total",
		Help: "Chunks dropped because a subscriber was too slow.",
	})
)

// Subscription receives the chunks published to one topic.
type Subscription struct {
	Topic models.StreamTopic
	ch    chan models.Chunk
}

// C returns the channel chunks are delivered on. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan models.Chunk {
	return s.ch
}

// Hub fans chunks out to in-process subscribers keyed by topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[models.StreamTopic]map[*Subscription]struct{}
	buffer int
	logger *zap.Logger
}

var _ interfaces.ChunkPublisher = (*Hub)(nil)

// NewHub creates a Hub. buffer <= 0 selects the default subscriber buffer.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		topics: make(map[models.StreamTopic]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger.Named("StreamHub"),
	}
}

func (h *Hub) Subscribe(topic models.StreamTopic) *Subscription {
	sub := &Subscription{Topic: topic, ch: make(chan models.Chunk, h.buffer)}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	subscribersActive.Inc()
	h.logger.Debug("Subscribed", zap.Stringer("topic", topic))
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it twice is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.Topic)
	}
	close(sub.ch)
	subscribersActive.Dec()
	h.logger.Debug("Unsubscribed", zap.Stringer("topic", sub.Topic))
}

// Publish delivers chunk to every subscriber of topic without blocking.
// A subscriber whose buffer is full misses the chunk.
func (h *Hub) Publish(_ context.Context, topic models.StreamTopic, chunk models.Chunk) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[topic] {
		select {
		case sub.ch <- chunk:
		default:
			chunksDropped.Inc()
			h.logger.Warn("Subscriber too slow, chunk dropped", zap.Stringer("topic", topic))
		}
	}
	return nil
}

// Subscribers returns the number of subscribers of topic.
func (h *Hub) Subscribers(topic models.StreamTopic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
