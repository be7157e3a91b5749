package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"convocrm/internal/models"
)

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "crm_message_events"

// eventEnvelope is the payload the gateway publishes per message event.
type eventEnvelope struct {
	Event  string          `json:"event"`
	Record *models.Message `json:"record"`
}

// Consumer subscribes to gateway message events over RabbitMQ. Delivery is
// at-least-once and unordered; the reconciliation merge absorbs duplicates,
// so records are acked unconditionally. A nil *Consumer is a valid disabled
// consumer: push simply never fires and polling carries correctness.
type Consumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string

	mu       sync.RWMutex
	nextID   int
	handlers map[int]subscription
}

type subscription struct {
	conversationID string
	onRecord       func(models.Message)
}

// NewConsumer connects to RabbitMQ and declares the event queue. An empty
// URL disables the consumer and returns nil without error.
func NewConsumer(url, queue string) (*Consumer, error) {
	if url == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ push ingestion disabled; polling remains the correctness backstop.")
		return nil, nil
	}
	if queue == "" {
		queue = DefaultQueue
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	// Declare queue (idempotent)
	_, err = channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("could not declare RabbitMQ queue %s: %w", queue, err)
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ connection established.")
	return &Consumer{
		conn:     conn,
		channel:  channel,
		queue:    queue,
		handlers: make(map[int]subscription),
	}, nil
}

// Start begins consuming until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c == nil {
		return nil
	}
	deliveries, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		true,  // auto-ack: the merge is idempotent, redelivery is harmless
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("could not start consuming from queue %s: %w", c.queue, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Str("queue", c.queue).Msg("RabbitMQ delivery channel closed")
					return
				}
				c.dispatch(d.Body)
			}
		}
	}()

	log.Info().Str("queue", c.queue).Msg("RabbitMQ push consumer started")
	return nil
}

// dispatch decodes one delivery and fans it out to matching subscriptions.
// Malformed payloads are skipped with a warning; a panic here would tear
// down the consumer loop, so this must never throw.
func (c *Consumer) dispatch(body []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Warn().Err(err).Msg("Skipping malformed RabbitMQ event payload")
		return
	}
	if env.Record == nil {
		log.Warn().Str("event", env.Event).Msg("RabbitMQ event has no record; skipping")
		return
	}
	rec := *env.Record
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.handlers {
		if sub.conversationID == "" || sub.conversationID == rec.ConversationID {
			sub.onRecord(rec)
		}
	}
}

// Subscribe registers a per-conversation record handler and returns its
// unsubscribe function.
func (c *Consumer) Subscribe(conversationID string, onRecord func(models.Message)) (func(), error) {
	if c == nil {
		return nil, fmt.Errorf("RabbitMQ consumer is disabled")
	}
	if onRecord == nil {
		return nil, fmt.Errorf("onRecord handler cannot be nil")
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = subscription{conversationID: conversationID, onRecord: onRecord}
	c.mu.Unlock()

	log.Debug().Str("conversationID", conversationID).Msg("Push subscription registered")
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
		log.Debug().Str("conversationID", conversationID).Msg("Push subscription cancelled")
	}, nil
}

// Close releases the AMQP channel and connection.
func (c *Consumer) Close() {
	if c == nil {
		return
	}
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
