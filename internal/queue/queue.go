// Package queue is the durable job queue between the submission service
// and the pipeline workers. Messages are keyed by generation request id:
// the broker message id carries the request id, and a Redis SETNX guard
// makes a second enqueue for the same request a no-op, so at-least-once
// delivery never fans out into a second concurrent execution of the same
// request at steady state.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/calmframe/meditate-pipeline/internal/cache"
	"github.com/calmframe/meditate-pipeline/internal/config"
	"github.com/calmframe/meditate-pipeline/internal/logging"
	"github.com/calmframe/meditate-pipeline/internal/metrics"
)

const (
	GenerationQueueName = "generation_requests"
	ExchangeName        = "generation"

	attemptHeader = "x-attempt"
)

// Message is the queue payload: just the request id. The request row is
// the single source of truth; the worker reloads it on every attempt.
type Message struct {
	GenerationRequestID string `json:"generationRequestId"`
}

// Job is what the consumer hands to the worker's handler, including the
// attempt counters the retry policy is driven by.
type Job struct {
	GenerationRequestID string
	AttemptsMade        int
	MaxAttempts         int
}

// Handler processes one job attempt. A nil return acknowledges the
// message; an error schedules a retry or, past MaxAttempts, routes the
// message to the failed queue and fires the exhaustion hook.
type Handler func(ctx context.Context, job Job) error

// ExhaustedHook runs exactly once per job whose attempts are all spent.
// On the worker side it is the only place that marks a request terminally
// failed; the Submission Service also marks a request failed when its
// enqueue fails after commit.
type ExhaustedHook func(ctx context.Context, generationRequestID string, attemptsMade int, cause error)

// Queue provides durable publish/consume over RabbitMQ with a Redis
// idempotency guard.
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cache   *cache.Cache
	cfg     config.QueueConfig
	logger  *logging.Logger
}

// New connects to the broker and declares the exchange, main queue, retry
// queue, and failed queue.
func New(cfg config.QueueConfig, c *cache.Cache, logger *logging.Logger) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = channel.QueueDeclare(
		GenerationQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	err = channel.QueueBind(
		GenerationQueueName,
		GenerationQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	q := &Queue{
		conn:    conn,
		channel: channel,
		cache:   c,
		cfg:     cfg,
		logger:  logger,
	}

	if err := q.setupRetryInfrastructure(); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return q, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// Enqueue publishes a persistent message for the given request id. The
// message id equals the request id, and a SETNX guard with the completed
// TTL deduplicates repeat enqueues: the second call returns nil without
// publishing.
func (q *Queue) Enqueue(ctx context.Context, generationRequestID string) error {
	acquired, err := q.cache.AcquireLock(ctx, "enqueued:"+generationRequestID, q.cfg.CompletedTTL)
	if err != nil {
		return fmt.Errorf("failed to check enqueue guard: %w", err)
	}
	if !acquired {
		metrics.QueueJobsDeduplicatedTotal.Inc()
		q.logger.WithGenerationID(generationRequestID).Debug("enqueue deduplicated")
		return nil
	}

	body, err := json.Marshal(Message{GenerationRequestID: generationRequestID})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		GenerationQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    generationRequestID,
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{attemptHeader: int32(1)},
		},
	)
	if err != nil {
		// Release the guard so a later submission retry can publish again.
		_ = q.cache.ReleaseLock(ctx, "enqueued:"+generationRequestID)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	metrics.QueueJobsEnqueuedTotal.Inc()
	return nil
}

// Consume pulls jobs and runs handler on each, at most cfg.Concurrency at
// a time, with a global cap on handler starts per minute. Handler errors
// schedule a delayed retry up to cfg.MaxAttempts; after that the message
// goes to the failed queue and onExhausted fires.
func (q *Queue) Consume(ctx context.Context, handler Handler, onExhausted ExhaustedHook) error {
	err := q.channel.Qos(
		q.cfg.Concurrency, // prefetch count
		0,                 // prefetch size
		false,             // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		GenerationQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	sem := make(chan struct{}, q.cfg.Concurrency)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					msg.Nack(false, true)
					return
				}

				go func(msg amqp.Delivery) {
					defer func() { <-sem }()
					q.handleDelivery(ctx, msg, handler, onExhausted)
				}(msg)
			}
		}
	}()

	return nil
}

func (q *Queue) handleDelivery(ctx context.Context, msg amqp.Delivery, handler Handler, onExhausted ExhaustedHook) {
	var m Message
	if err := json.Unmarshal(msg.Body, &m); err != nil {
		q.logger.ErrorWithErr("dropping malformed queue message", err)
		msg.Nack(false, false)
		return
	}

	if err := q.waitForStartSlot(ctx); err != nil {
		msg.Nack(false, true)
		return
	}

	attempt := attemptOf(msg)
	job := Job{
		GenerationRequestID: m.GenerationRequestID,
		AttemptsMade:        attempt,
		MaxAttempts:         q.cfg.MaxAttempts,
	}

	logger := q.logger.WithGenerationID(job.GenerationRequestID)
	logger.Infof("processing job, attempt %d/%d", job.AttemptsMade, job.MaxAttempts)

	err := handler(ctx, job)
	if err == nil {
		msg.Ack(false)
		return
	}

	logger.ErrorWithErr(fmt.Sprintf("job attempt %d/%d failed", attempt, q.cfg.MaxAttempts), err)

	if attempt >= q.cfg.MaxAttempts {
		metrics.QueueJobsExhaustedTotal.Inc()
		if pubErr := q.publishFailed(ctx, m, attempt, err); pubErr != nil {
			logger.ErrorWithErr("failed to route job to failed queue", pubErr)
		}
		if onExhausted != nil {
			onExhausted(ctx, m.GenerationRequestID, attempt, err)
		}
		msg.Ack(false)
		return
	}

	metrics.QueueJobsRetriedTotal.Inc()
	if pubErr := q.publishRetry(ctx, m, attempt); pubErr != nil {
		logger.ErrorWithErr("failed to schedule retry, requeueing immediately", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

// waitForStartSlot blocks until the global starts-per-minute cap admits
// another handler, so a burst of enqueues cannot exceed provider quotas.
func (q *Queue) waitForStartSlot(ctx context.Context) error {
	for {
		allowed, err := q.cache.CheckRateLimit(ctx, "worker_starts", int64(q.cfg.RateLimitPerMinute), time.Minute)
		if err != nil {
			return fmt.Errorf("failed to check worker start rate limit: %w", err)
		}
		if allowed {
			return nil
		}

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func attemptOf(msg amqp.Delivery) int {
	if msg.Headers == nil {
		return 1
	}
	switch v := msg.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// Depth returns the number of messages waiting in the main queue.
func (q *Queue) Depth() (int, error) {
	info, err := q.channel.QueueInspect(GenerationQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

// Ping verifies broker connectivity for the health endpoint.
func (q *Queue) Ping() error {
	if q.conn == nil || q.conn.IsClosed() {
		return fmt.Errorf("queue connection is closed")
	}
	return nil
}
