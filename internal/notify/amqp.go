// Package notify publishes booking state changes to RabbitMQ so downstream
// consumers (email, marketplace search, analytics) hear about transitions
// without polling. Publish failures are logged, never fatal: the booking
// record is the source of truth, notifications are best effort.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"bookrecon/internal/model"
)

const queueName = "booking.state.changed"

// StateChange is the message body published per accepted transition.
type StateChange struct {
	BookingID   string              `json:"bookingId"`
	ExternalRef string              `json:"externalRef,omitempty"`
	Status      model.BookingStatus `json:"status"`
	EventType   model.EventType     `json:"eventType"`
	Version     int                 `json:"version"`
	OccurredAt  time.Time           `json:"occurredAt"`
}

// Publisher maintains one AMQP connection, redialing lazily on failure.
// The zero URL disables publishing entirely.
type Publisher struct {
	mu   sync.Mutex
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher reads AMQP_URL (RABBITMQ_URL as a fallback). Returns nil when
// neither is set, which callers treat as "notifications off".
func NewPublisher() *Publisher {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		url = os.Getenv("RABBITMQ_URL")
	}
	if url == "" {
		return nil
	}
	return &Publisher{url: url}
}

// BookingChanged publishes the transition. Implements recon.Notifier.
func (p *Publisher) BookingChanged(b model.Booking, evt model.EventType) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg := StateChange{
		BookingID:   b.ID,
		ExternalRef: b.ExternalRef,
		Status:      b.Status,
		EventType:   evt,
		Version:     b.Version,
		OccurredAt:  time.Now().UTC(),
	}
	if err := p.publish(ctx, msg); err != nil {
		// Drop the cached channel so the next publish redials.
		p.reset()
		log.Printf("notify: publish booking %s: %v", b.ID, err)
	}
}

func (p *Publisher) publish(ctx context.Context, msg StateChange) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue name
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return p.ch, nil
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close releases the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.reset()
}
