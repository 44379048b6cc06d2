package rabbit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
)

const (
	PaymentResultsQueue = "payments.results"

	// RetryDelay is how long a result that could not be applied yet waits in
	// the retry queue before it is dead-lettered back to the main queue.
	RetryDelay = 30 * time.Second
)

type retryPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer reads payment results published by the payment gateway bridge.
type Consumer struct {
	ch         *amqp.Channel
	queue      string
	retryQueue string
	retries    retryPublisher
	logger     observability.Logger
}

func NewConsumer(conn *amqp.Connection, queue string, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err = ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	retryQueue := queue + ".retry"
	_, err = ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
		"x-message-ttl":             RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	})
	if err != nil {
		return nil, err
	}
	if err = ch.Qos(16, 0, false); err != nil {
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue, retryQueue: retryQueue, retries: ch, logger: logger}, nil
}

// Run hands every delivery to handle until ctx is done. Results the booking core
// rejects for good are acked so they are not redelivered forever; anything else,
// a halted showtime included, is parked in the retry queue for RetryDelay.
func (c *Consumer) Run(ctx context.Context, handle func(ctx context.Context, res domain.PaymentResult) error) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.queue)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.Newf("delivery channel of %s closed", c.queue)
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle func(ctx context.Context, res domain.PaymentResult) error) {
	log := c.logger.WithField("message_id", d.MessageId)

	var res domain.PaymentResult
	if err := json.Unmarshal(d.Body, &res); err != nil {
		log.WithError(err).Error("malformed payment result, dropping")
		d.Nack(false, false)
		return
	}

	err := handle(ctx, res)
	switch {
	case err == nil:
		d.Ack(false)
	case terminal(err):
		log.WithError(err).WithField("booking_id", res.BookingID).Warn("payment result rejected")
		d.Ack(false)
	default:
		log := log.WithError(err).WithField("booking_id", res.BookingID)
		if perr := c.retryLater(ctx, d); perr != nil {
			log.WithField("retry_error", perr.Error()).Error("payment result not applied, requeueing")
			d.Nack(false, true)
			return
		}
		log.WithField("retry_in", RetryDelay.String()).Warn("payment result not applied, retrying later")
		d.Ack(false)
	}
}

func (c *Consumer) retryLater(ctx context.Context, d amqp.Delivery) error {
	return c.retries.PublishWithContext(ctx, "", c.retryQueue, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Headers:      d.Headers,
		Body:         d.Body,
	})
}

func terminal(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrPaymentFailed)
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
