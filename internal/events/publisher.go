// Package events publishes delivery outcomes to RabbitMQ. Publishing is
// optional and best-effort: a nil or disabled publisher is a no-op, and
// publish failures never affect the job outcome.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"zapflow/internal/models"
)

// DeliveryOutcome is the message published after each processed job.
type DeliveryOutcome struct {
	JobID        string            `json:"job_id"`
	ConnectionID string            `json:"connection_id"`
	ActionKind   models.ActionKind `json:"action_kind"`
	Status       models.JobStatus  `json:"status"`
	Attempts     int               `json:"attempts"`
	Error        string            `json:"error,omitempty"`
	WorkerID     string            `json:"worker_id"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Publisher holds a RabbitMQ connection and the target queue.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	enabled bool
}

// NewPublisher connects to RabbitMQ and declares the outcome queue. An
// empty url returns a disabled publisher rather than an error so the
// worker runs without a broker.
func NewPublisher(url, queue string) *Publisher {
	if url == "" {
		log.Info().Msg("RABBITMQ_URL is not set, delivery outcome publishing disabled")
		return &Publisher{}
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ, publishing disabled")
		return &Publisher{}
	}
	channel, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel, publishing disabled")
		return &Publisher{}
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue, publishing disabled")
		return &Publisher{}
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &Publisher{conn: conn, channel: channel, queue: queue, enabled: true}
}

// Publish sends one delivery outcome. Failures are logged and dropped.
func (p *Publisher) Publish(ctx context.Context, outcome DeliveryOutcome) {
	if p == nil || !p.enabled {
		return
	}
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = time.Now()
	}

	body, err := json.Marshal(outcome)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal delivery outcome")
		return
	}

	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
	if err != nil {
		log.Error().Err(err).Str("jobID", outcome.JobID).Msg("Failed to publish delivery outcome")
	}
}

// Close releases the RabbitMQ channel and connection.
func (p *Publisher) Close() {
	if p == nil || !p.enabled {
		return
	}
	_ = p.channel.Close()
	_ = p.conn.Close()
}
