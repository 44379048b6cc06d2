package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

const EventsExchange = "cinema.events"

type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

// Publish sends msg to the events exchange under routing key, e.g. "booking.confirmed".
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	msg.DeliveryMode = amqp.Persistent
	return p.ch.PublishWithContext(ctx, EventsExchange, key, false, false, msg)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
