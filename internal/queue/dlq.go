package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// RetryQueueName holds messages between attempts. Each message carries
	// its own expiration; the queue dead-letters expired messages back to
	// the main exchange.
	RetryQueueName = "generation_requests_retry"

	// FailedQueueName retains retries-exhausted messages for inspection
	// until the configured failed TTL expires them.
	FailedQueueName    = "generation_requests_failed"
	FailedExchangeName = "generation_failed"

	failureReasonHeader = "x-failure-reason"
	failedAtHeader      = "x-failed-at"
)

// setupRetryInfrastructure declares the retry and failed queues. The
// retry queue has no consumer: messages sit there until their per-message
// TTL runs out, then route back to the main queue for the next attempt.
func (q *Queue) setupRetryInfrastructure() error {
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    ExchangeName,
		"x-dead-letter-routing-key": GenerationQueueName,
	}

	_, err := q.channel.QueueDeclare(
		RetryQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		retryArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	err = q.channel.ExchangeDeclare(
		FailedExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare failed exchange: %w", err)
	}

	failedArgs := amqp.Table{
		"x-message-ttl": q.cfg.FailedTTL.Milliseconds(),
	}

	_, err = q.channel.QueueDeclare(
		FailedQueueName,
		true,
		false,
		false,
		false,
		failedArgs,
	)
	if err != nil {
		return fmt.Errorf("failed to declare failed queue: %w", err)
	}

	err = q.channel.QueueBind(
		FailedQueueName,
		FailedQueueName,
		FailedExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind failed queue: %w", err)
	}

	return nil
}

// publishRetry schedules the next attempt after an exponential backoff.
func (q *Queue) publishRetry(ctx context.Context, m Message, attemptsMade int) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	delay := backoffDelay(q.cfg.BackoffBase, attemptsMade)

	err = q.channel.PublishWithContext(ctx,
		"",
		RetryQueueName,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    m.GenerationRequestID,
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{attemptHeader: int32(attemptsMade + 1)},
			Expiration:   fmt.Sprintf("%d", delay.Milliseconds()),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to retry queue: %w", err)
	}

	q.logger.WithGenerationID(m.GenerationRequestID).
		Infof("retry %d scheduled in %v", attemptsMade+1, delay)
	return nil
}

// publishFailed routes an exhausted job to the failed queue, where it is
// retained for inspection until the failed TTL expires it.
func (q *Queue) publishFailed(ctx context.Context, m Message, attemptsMade int, cause error) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := amqp.Table{
		attemptHeader:       int32(attemptsMade),
		failureReasonHeader: cause.Error(),
		failedAtHeader:      time.Now().Format(time.RFC3339),
	}

	err = q.channel.PublishWithContext(ctx,
		FailedExchangeName,
		FailedQueueName,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    m.GenerationRequestID,
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      headers,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to failed queue: %w", err)
	}

	return nil
}

// ConsumeFailed consumes retained failed messages, for operator tooling
// that inspects or replays them.
func (q *Queue) ConsumeFailed(ctx context.Context, handler func(m Message, reason string) error) error {
	msgs, err := q.channel.Consume(
		FailedQueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register failed-queue consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var m Message
				if err := json.Unmarshal(msg.Body, &m); err != nil {
					msg.Nack(false, false)
					continue
				}

				reason := ""
				if val, ok := msg.Headers[failureReasonHeader].(string); ok {
					reason = val
				}

				if err := handler(m, reason); err != nil {
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return nil
}

// Replay re-enqueues a request pulled from the failed queue, restarting
// its attempt counter. The enqueue guard is cleared first so the publish
// is not deduplicated against the original run.
func (q *Queue) Replay(ctx context.Context, generationRequestID string) error {
	if err := q.cache.ReleaseLock(ctx, "enqueued:"+generationRequestID); err != nil {
		return fmt.Errorf("failed to clear enqueue guard: %w", err)
	}
	return q.Enqueue(ctx, generationRequestID)
}

// backoffDelay computes base * 2^(attemptsMade-1), capped at one hour.
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := base * (1 << (attemptsMade - 1))

	if delay > time.Hour {
		delay = time.Hour
	}

	return delay
}

// FailedDepth returns the number of messages retained in the failed queue.
func (q *Queue) FailedDepth() (int, error) {
	info, err := q.channel.QueueInspect(FailedQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect failed queue: %w", err)
	}

	return info.Messages, nil
}
