package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/retry"
	"github.com/mbd888/riskwatch/internal/risk"
)

const publishTimeout = 10 * time.Second

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a synchronous writer for the alerts topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

type alertMessage struct {
	Type string      `json:"type"`
	Data risk.Notice `json:"data"`
}

// Publisher mirrors new_alert notices onto a kafka topic keyed by user, so
// one user's alerts stay ordered within a partition. NotifyAlert hands the
// notice to a background goroutine and returns immediately.
type Publisher struct {
	writer MessageWriter
	retry  retry.Policy
	logger *slog.Logger
	queue  chan risk.Notice
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPublisher starts the publisher's send loop. Close drains it.
func NewPublisher(w MessageWriter, buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &Publisher{
		writer: w,
		retry:  retry.Default,
		logger: logger,
		queue:  make(chan risk.Notice, buffer),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// NotifyAlert queues n, dropping it when the queue is full.
func (p *Publisher) NotifyAlert(_ context.Context, n risk.Notice) {
	select {
	case p.queue <- n:
	default:
		metrics.NotificationsDroppedTotal.WithLabelValues("kafka").Inc()
		p.logger.Warn("alert publish queue full, dropping notice", "alert_id", n.AlertID)
	}
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for n := range p.queue {
		if err := p.publish(n); err != nil {
			metrics.NotificationsDroppedTotal.WithLabelValues("kafka").Inc()
			p.logger.Error("failed to publish alert", "alert_id", n.AlertID, "error", err)
		}
	}
}

func (p *Publisher) publish(n risk.Notice) error {
	value, err := json.Marshal(alertMessage{Type: risk.NoticeType, Data: n})
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	msg := kafka.Message{Key: []byte(n.UserID), Value: value}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return p.retry.Do(ctx, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msg)
	})
}

// Close stops accepting notices, flushes the queue and closes the writer.
// NotifyAlert must not be called after Close.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.queue)
		p.wg.Wait()
		err = p.writer.Close()
	})
	return err
}
