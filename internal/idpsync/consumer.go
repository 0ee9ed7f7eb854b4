package idpsync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/platform/errs"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader returns a consumer-group reader for topic. Offsets are committed explicitly.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
}

// Consumer feeds identity events relayed through Kafka into a Synchronizer. Messages carry the original
// delivery's signature headers and body and are verified by signature only; a message consumed after
// the webhook tolerance is still authentic.
//
// The offset of a message is committed only after a terminal outcome (handled, skipped or rejected).
// Failed messages are retried in place with growing delays, holding back later messages of the partition.
type Consumer struct {
	reader MessageReader
	sync   *Synchronizer
	log    *zap.Logger
	// MaxRedeliveryDelay caps the wait between redeliveries of one failed message.
	MaxRedeliveryDelay time.Duration
}

// NewConsumer returns a Consumer. log may be nil.
func NewConsumer(reader MessageReader, sync *Synchronizer, log *zap.Logger) *Consumer {
	return &Consumer{reader: reader, sync: sync, log: logger.OrNop(log), MaxRedeliveryDelay: 30 * time.Second}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !c.deliver(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("consumer: commit", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// deliver handles msg until a terminal outcome. It returns false when ctx ended first.
func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) bool {
	h := headersOf(msg)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(b.InitialInterval, c.MaxRedeliveryDelay)
	b.MaxInterval = c.MaxRedeliveryDelay
	for {
		res, err := c.sync.ReceiveRelayed(ctx, h, msg.Value)
		if err == nil || errors.Is(err, errs.ErrSyncRejected) {
			return true
		}
		wait := b.NextBackOff()
		c.log.Warn("consumer: redelivering",
			zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset),
			zap.String("action", res.Action), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

func headersOf(msg kafka.Message) http.Header {
	h := http.Header{}
	for _, kv := range msg.Headers {
		h.Add(kv.Key, string(kv.Value))
	}
	return h
}

// Close closes the reader.
func (c *Consumer) Close() error { return c.reader.Close() }
