// Package kafka mirrors audit records to a Kafka topic as JSON, keyed by organization.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"tenant-control-plane/internal/audit/domain"
)

const writeTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes each audit record as one message. Records of one organization share a key and
// therefore a partition, so consumers see them in append order.
type Sink struct {
	writer messageWriter
}

// NewSink returns a Sink writing to topic on brokers. Call Close when shutting down.
func NewSink(brokers []string, topic string) (*Sink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	return &Sink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

type message struct {
	ID            string            `json:"id"`
	EventType     string            `json:"event_type"`
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	Actor         string            `json:"actor"`
	OrgID         string            `json:"org_id"`
	PayloadDigest string            `json:"payload_digest,omitempty"`
	Success       bool              `json:"success"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Append writes rec with a bounded timeout so a slow broker cannot stall the caller.
func (s *Sink) Append(ctx context.Context, rec *domain.Record) error {
	if s == nil || s.writer == nil || rec == nil {
		return nil
	}
	payload, err := json.Marshal(message{
		ID: rec.ID, EventType: rec.EventType, EntityType: rec.EntityType, EntityID: rec.EntityID,
		Actor: rec.Actor, OrgID: rec.OrgID, PayloadDigest: rec.PayloadDigest, Success: rec.Success,
		Reason: rec.Reason, Metadata: rec.Metadata, CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(rec.OrgID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(rec.EventType)},
		},
	})
}

// Close closes the writer. Safe to call on a nil Sink.
func (s *Sink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
