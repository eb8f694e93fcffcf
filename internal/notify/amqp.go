package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lotusloft/studio/pkg/booking"
)

const (
	queueBookingConfirmed = "booking.confirmed"
	queueBookingFailed    = "booking.failed"
	queueBookingCancelled = "booking.cancelled"
)

// AMQPSender publishes booking events to RabbitMQ, one durable queue per
// event type. Deliveries are persistent. Connections are opened per send
// so a broker restart never wedges the dispatcher.
type AMQPSender struct {
	url string
}

// NewAMQPSender returns a sender targeting the given broker URL.
func NewAMQPSender(url string) *AMQPSender {
	return &AMQPSender{url: url}
}

func (sender *AMQPSender) Name() string { return "amqp" }

func (sender *AMQPSender) Send(ctx context.Context, event booking.Event) error {
	queue, err := queueFor(event.Type)
	if err != nil {
		return err
	}
	connection, err := amqp.Dial(sender.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer func() { _ = connection.Close() }()

	channel, err := connection.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer func() { _ = channel.Close() }()

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp queue declare: %w", err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("amqp marshal event: %w", err)
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := channel.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func queueFor(eventType booking.EventType) (string, error) {
	switch eventType {
	case booking.EventBookingConfirmed:
		return queueBookingConfirmed, nil
	case booking.EventBookingFailed:
		return queueBookingFailed, nil
	case booking.EventBookingCancelled:
		return queueBookingCancelled, nil
	}
	return "", fmt.Errorf("unknown event type %q", eventType)
}
