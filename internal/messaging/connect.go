package messaging

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	maxConnectAttempts = 5
	connectRetryDelay  = 5 * time.Second
)

// Connect dials RabbitMQ, retrying while the broker is still starting.
func Connect(url string, logger *zap.Logger) (*amqp.Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for i := 0; i < maxConnectAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ")
			return conn, nil
		}
		logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", i+1),
			zap.Int("maxAttempts", maxConnectAttempts),
			zap.Duration("retryDelay", connectRetryDelay),
			zap.Error(err),
		)
		if i < maxConnectAttempts-1 {
			time.Sleep(connectRetryDelay)
		}
	}
	return nil, err
}
