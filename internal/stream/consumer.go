// Package stream connects the pipeline to Kafka: a consumer that feeds raw
// events from a topic into process_event, and a publisher that mirrors
// new_alert notices onto an alerts topic.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/segmentio/kafka-go"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/idgen"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/metrics"
	"github.com/mbd888/riskwatch/internal/pipeline"
	"github.com/mbd888/riskwatch/internal/retry"
)

// Result labels for metrics.StreamMessagesTotal.
const (
	resultProcessed = "processed"
	resultUnscored  = "unscored"
	resultDuplicate = "duplicate"
	resultInvalid   = "invalid"
	resultFailed    = "failed"
)

const commitTimeout = 5 * time.Second

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventProcessor runs one event through the pipeline.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

// ReaderConfig holds the kafka settings for NewReader.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader builds a consumer-group reader. Offsets are committed
// explicitly by the Consumer.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.FirstOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
}

type inflight struct {
	msg    kafka.Message
	done   chan struct{}
	commit bool // set before done is closed
}

// Consumer reads event messages and processes them on a worker pool.
// Offsets are committed in fetch order once each message is finished, so
// a crash replays at most the in-flight window.
type Consumer struct {
	reader    MessageReader
	processor EventProcessor
	workers   int
	queue     int
	retry     retry.Policy
	logger    *slog.Logger
	running   atomic.Bool
}

// NewConsumer creates a consumer with the given pool size.
func NewConsumer(reader MessageReader, processor EventProcessor, workers int, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 4
	}
	p := retry.Default
	p.Retryable = func(err error) bool {
		return !errors.Is(err, activity.ErrInvalidEvent) &&
			!errors.Is(err, activity.ErrEventExists) &&
			!errors.Is(err, pipeline.ErrUnscored)
	}
	return &Consumer{
		reader:    reader,
		processor: processor,
		workers:   workers,
		queue:     workers * 4,
		retry:     p,
		logger:    logger,
	}
}

// Running reports whether Run is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run consumes until ctx is done or the reader fails. In-flight messages
// finish and are committed before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("stream: consumer already running")
	}
	defer c.running.Store(false)

	pool := pond.New(c.workers, c.queue)
	order := make(chan *inflight, c.queue)
	committed := make(chan struct{})
	go func() {
		defer close(committed)
		c.commitInOrder(ctx, order)
	}()

	c.logger.Info("stream consumer started", "workers", c.workers)
	var runErr error
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				runErr = err
				c.logger.Error("stream fetch failed", "error", err)
			}
			break
		}
		item := &inflight{msg: msg, done: make(chan struct{})}
		order <- item
		pool.Submit(func() {
			defer close(item.done)
			item.commit = c.handle(ctx, msg)
		})
	}

	pool.StopAndWait()
	close(order)
	<-committed
	c.logger.Info("stream consumer stopped")
	return runErr
}

// commitInOrder commits finished messages in fetch order. After a message
// that must be redelivered nothing later is committed either.
func (c *Consumer) commitInOrder(ctx context.Context, order <-chan *inflight) {
	held := false
	for item := range order {
		<-item.done
		if held || !item.commit {
			held = true
			continue
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		if err := c.reader.CommitMessages(cctx, item.msg); err != nil {
			c.logger.Warn("stream commit failed", "partition", item.msg.Partition, "offset", item.msg.Offset, "error", err)
		}
		cancel()
	}
}

// handle processes one message and reports whether its offset may be
// committed. Invalid payloads are logged and skipped; unscored events are
// already stored for backfill. Messages without an id get one derived from
// their offset, so a replayed message is recognized as already ingested.
// When storage keeps failing the offset is held and the message is
// redelivered after a restart or rebalance.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	ctx = logging.WithLogger(ctx, c.logger)
	ctx = logging.WithAttrs(ctx, "partition", msg.Partition, "offset", msg.Offset)
	log := logging.L(ctx)

	var in pipeline.Input
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		metrics.StreamMessagesTotal.WithLabelValues(resultInvalid).Inc()
		log.Warn("skipping undecodable stream message", "error", err)
		return true
	}
	if in.ID == "" {
		in.ID = idgen.Derived(idgen.EventPrefix, fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset))
	}

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		_, err := c.processor.ProcessEvent(ctx, in)
		return err
	})
	switch {
	case err == nil:
		metrics.StreamMessagesTotal.WithLabelValues(resultProcessed).Inc()
	case errors.Is(err, pipeline.ErrUnscored) && ctx.Err() == nil:
		metrics.StreamMessagesTotal.WithLabelValues(resultUnscored).Inc()
	case errors.Is(err, activity.ErrEventExists):
		metrics.StreamMessagesTotal.WithLabelValues(resultDuplicate).Inc()
		log.Debug("skipping already ingested stream event", "event_id", in.ID)
	case errors.Is(err, activity.ErrInvalidEvent):
		metrics.StreamMessagesTotal.WithLabelValues(resultInvalid).Inc()
		log.Warn("skipping invalid stream event", "error", err)
	case ctx.Err() != nil:
		// Shutting down; leave the offset for the next consumer.
		return false
	default:
		metrics.StreamMessagesTotal.WithLabelValues(resultFailed).Inc()
		log.Error("stream event failed, holding offset", "event_id", in.ID, "error", err)
		return false
	}
	return true
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
