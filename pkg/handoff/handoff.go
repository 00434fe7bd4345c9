// Package handoff provides a best-effort advisory wake-up channel between
// the Ingestor and the Worker: a Kafka producer/consumer pair that lets a
// worker discover a newly inserted event before its next poll tick. Nothing
// in the worker's correctness depends on a message arriving — polling
// remains the sole authoritative discovery mechanism (spec §4.5/§4.7/§9).
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// NotifierConfig configures the producer side of the handoff.
type NotifierConfig struct {
	Brokers     []string
	Topic       string
	MaxAttempts int           // total produce attempts, default 3
	WriteTimeout time.Duration // per-attempt timeout, default 5s
}

// message is the wire payload published for a handoff.
type message struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier publishes advisory wake-up messages. Grounded on
// ILLUVRSE-Main's KafkaProducer retrying-Writer wrapper.
type Notifier struct {
	writer      *kafka.Writer
	maxAttempts int
	writeTimeout time.Duration
}

// NewNotifier constructs a Notifier. Returns an error only on missing
// config, never on broker unreachability — that surfaces lazily on Notify.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("handoff: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("handoff: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	}

	return &Notifier{writer: w, maxAttempts: cfg.MaxAttempts, writeTimeout: cfg.WriteTimeout}, nil
}

// Notify publishes a single handoff message for eventID, retrying up to
// MaxAttempts times with capped backoff. The Ingestor logs and swallows any
// returned error — a missed wake-up never blocks ingestion.
func (n *Notifier) Notify(ctx context.Context, eventID string) error {
	value, err := json.Marshal(message{EventID: eventID, OccurredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("handoff: marshal message: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, n.writeTimeout)
		err := n.writer.WriteMessages(attemptCtx, kafka.Message{
			Key:   []byte(eventID),
			Value: value,
			Time:  time.Now().UTC(),
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("handoff: notify failed after %d attempts: %w", n.maxAttempts, lastErr)
}

// Close releases the underlying writer.
func (n *Notifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}

// ConsumerConfig configures the worker-side consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads handoff messages and forwards event_ids for the worker's
// poll loop to pick up early.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer constructs a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("handoff: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("handoff: topic required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return &Consumer{reader: r}, nil
}

// Consume runs until ctx is cancelled, forwarding each message's event_id
// onto wake. Read errors are logged and the loop keeps retrying — if Kafka
// is unreachable the worker simply never receives early wake-ups and
// degrades to pure polling, which is fully sufficient on its own.
func (c *Consumer) Consume(ctx context.Context, wake chan<- string) {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("handoff consume failed, continuing on pure polling", "error", err)
			continue
		}
		var msg message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			slog.Warn("handoff message decode failed", "error", err)
			continue
		}
		select {
		case wake <- msg.EventID:
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
