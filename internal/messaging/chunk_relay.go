package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const exchangeType = "fanout"

// chunkEnvelope is the wire format of a relayed chunk.
type chunkEnvelope struct {
	Topic models.StreamTopic `json:"topic"`
	Chunk models.Chunk       `json:"chunk"`
}

func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange,
		exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// ChunkPublisher publishes stream chunks to the fanout exchange so that every
// instance, this one included, can deliver them to its own subscribers.
type ChunkPublisher struct {
	mu       sync.Mutex // amqp channels are not safe for concurrent publishing
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

var _ interfaces.ChunkPublisher = (*ChunkPublisher)(nil)

func NewChunkPublisher(conn *amqp.Connection, exchange string, logger *zap.Logger) (*ChunkPublisher, error) {
	if conn == nil {
		return nil, errors.New("rabbitmq connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declareExchange(ch, exchange); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchange, err)
	}
	logger.Info("Stream exchange declared", zap.String("exchange", exchange), zap.String("type", exchangeType))
	return &ChunkPublisher{ch: ch, exchange: exchange, logger: logger.Named("ChunkPublisher")}, nil
}

func (p *ChunkPublisher) Publish(ctx context.Context, topic models.StreamTopic, chunk models.Chunk) error {
	body, err := json.Marshal(chunkEnvelope{Topic: topic, Chunk: chunk})
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		"", // routing key, unused for fanout
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish chunk", zap.Stringer("topic", topic), zap.Error(err))
		return fmt.Errorf("failed to publish chunk: %w", err)
	}
	return nil
}

func (p *ChunkPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

// ChunkConsumer feeds chunks relayed by any instance into a local publisher, normally the hub.
type ChunkConsumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	local    interfaces.ChunkPublisher
	logger   *zap.Logger
	done     chan struct{}
}

func NewChunkConsumer(conn *amqp.Connection, exchange string, local interfaces.ChunkPublisher, logger *zap.Logger) *ChunkConsumer {
	return &ChunkConsumer{
		conn:     conn,
		exchange: exchange,
		local:    local,
		logger:   logger.Named("ChunkConsumer"),
		done:     make(chan struct{}),
	}
}

// Start declares this instance's exclusive queue and consumes it until ctx ends or Stop is called.
func (c *ChunkConsumer) Start(ctx context.Context) error {
	var err error
	c.ch, err = c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareExchange(c.ch, c.exchange); err != nil {
		_ = c.ch.Close()
		return fmt.Errorf("failed to declare exchange '%s': %w", c.exchange, err)
	}

	// the broker names the queue; it lives as long as this connection
	q, err := c.ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = c.ch.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, "", c.exchange, false, nil); err != nil {
		_ = c.ch.Close()
		return fmt.Errorf("failed to bind queue '%s' to exchange '%s': %w", q.Name, c.exchange, err)
	}

	// chunks are transient, a lost one is recovered by replay from the chapter store
	msgs, err := c.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = c.ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	c.logger.Info("Chunk consumer started", zap.String("queue", q.Name), zap.String("exchange", c.exchange))

	go func() {
		defer close(c.done)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Info("Delivery channel closed")
					return
				}
				c.handle(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (c *ChunkConsumer) handle(ctx context.Context, msg amqp.Delivery) {
	var env chunkEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		c.logger.Error("Failed to unmarshal relayed chunk", zap.Error(err), zap.ByteString("body", msg.Body))
		return
	}
	if err := c.local.Publish(ctx, env.Topic, env.Chunk); err != nil {
		c.logger.Warn("Local delivery failed", zap.Stringer("topic", env.Topic), zap.Error(err))
	}
}

// Stop closes the channel and waits briefly for the consuming goroutine.
func (c *ChunkConsumer) Stop() {
	if c.ch == nil {
		return
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("Error closing consumer channel", zap.Error(err))
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Timeout waiting for chunk consumer to stop")
	}
}
