package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "rtc.events"

// Publisher sends JSON events to a durable topic exchange. A single channel is
// shared and guarded by mu since amqp channels are not safe for concurrent
// publishes.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
	mu       sync.Mutex
	channel  *amqp.Channel
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &Publisher{conn: conn, exchange: exchange}
	if _, err := p.openChannel(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) openChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	p.channel = ch
	return ch, nil
}

func (p *Publisher) Publish(ctx context.Context, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("amqp connection is closed")
	}
	ch := p.channel
	if ch == nil || ch.IsClosed() {
		if ch, err = p.openChannel(); err != nil {
			return err
		}
	}
	return ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
}
