package rabbitmq

import (
	"errors"
	"log"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 8

// HandlerFunc processes one event body. Returning false asks for one more attempt.
type HandlerFunc func(body []byte) bool

// Routes maps a routing key on the event exchange to the handler for that event.
type Routes map[string]HandlerFunc

// Subscription names the durable queue an event listener reads from and the topic
// exchange it is bound to.
type Subscription struct {
	Exchange string
	Queue    string
	// Prefetch caps unacknowledged deliveries per listener; zero means defaultPrefetch.
	Prefetch int
}

func (s Subscription) validate(routes Routes) error {
	if strings.TrimSpace(s.Exchange) == "" || strings.TrimSpace(s.Queue) == "" {
		return errors.New("subscription needs an exchange and a queue")
	}
	for key, handler := range routes {
		if strings.TrimSpace(key) != "" && handler != nil {
			return nil
		}
	}
	return errors.New("subscription has no routes")
}

// Consumer listens for operator events on one channel.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer connects to the broker and opens the listening channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// Subscribe declares the exchange and queue of sub, binds one routing key per route and
// starts dispatching in the background. A delivery whose handler fails is re-queued once;
// if it fails again on redelivery it is dropped so a poison message cannot loop.
func (c *Consumer) Subscribe(sub Subscription, routes Routes) error {
	if err := sub.validate(routes); err != nil {
		return err
	}
	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	queue, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}

	active := make(Routes, len(routes))
	for key, handler := range routes {
		if strings.TrimSpace(key) == "" || handler == nil {
			continue
		}
		if err := c.ch.QueueBind(queue.Name, key, sub.Exchange, false, nil); err != nil {
			return err
		}
		active[key] = handler
		log.Printf("level=info component=rabbitmq_consumer msg=\"route bound\" queue=%s exchange=%s routing_key=%s", queue.Name, sub.Exchange, key)
	}

	deliveries, err := c.ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for d := range deliveries {
			dispatch(d, active)
		}
		log.Printf("level=info component=rabbitmq_consumer msg=\"listener stopped\" queue=%s", queue.Name)
	}()
	return nil
}

// dispatch settles exactly one delivery.
func dispatch(d amqp.Delivery, routes Routes) {
	handler, ok := routes[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer outcome=drop reason=unrouted routing_key=%s", d.RoutingKey)
		_ = d.Ack(false)
		return
	}
	if handler(d.Body) {
		_ = d.Ack(false)
		return
	}
	if d.Redelivered {
		log.Printf("level=error component=rabbitmq_consumer outcome=drop reason=failed_twice routing_key=%s message_id=%s", d.RoutingKey, d.MessageId)
		_ = d.Nack(false, false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer outcome=requeue routing_key=%s message_id=%s", d.RoutingKey, d.MessageId)
	_ = d.Nack(false, true)
}

// Close stops the listener and closes the broker connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
