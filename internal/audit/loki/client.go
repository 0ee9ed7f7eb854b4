// Package loki mirrors audit records to Grafana Loki through its push API.
package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tenant-control-plane/internal/audit/domain"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// Sink pushes each audit record as one JSON log line. Labels carry the low-cardinality fields only.
type Sink struct {
	client *resty.Client
	job    string
}

// NewSink returns a Sink pushing to baseURL (e.g. http://localhost:3100). job is the stream's job label.
func NewSink(baseURL, job string) (*Sink, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("loki: base URL is empty")
	}
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(5*time.Second).
		SetHeader("Content-Type", "application/json")
	return &Sink{client: c, job: job}, nil
}

type line struct {
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

// Append pushes rec. Returns an error if the request fails or Loki answers non-2xx.
func (s *Sink) Append(ctx context.Context, rec *domain.Record) error {
	body, err := json.Marshal(line{
		ID: rec.ID, EventType: rec.EventType, EntityType: rec.EntityType, EntityID: rec.EntityID,
		Actor: rec.Actor, OrgID: rec.OrgID, PayloadDigest: rec.PayloadDigest, Success: rec.Success,
		Reason: rec.Reason, Metadata: rec.Metadata, CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return err
	}
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	req := PushRequest{Streams: []Stream{{
		Stream: s.labels(rec),
		Values: [][]string{{fmt.Sprintf("%d", ts.UnixNano()), string(body)}},
	}}}

	resp, err := s.client.R().SetContext(ctx).SetBody(req).Post("/loki/api/v1/push")
	if err != nil {
		return fmt.Errorf("loki: push: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("loki: push returned %s", resp.Status())
	}
	return nil
}

func (s *Sink) labels(rec *domain.Record) map[string]string {
	out := map[string]string{"job": s.job}
	outcome := "failure"
	if rec.Success {
		outcome = "success"
	}
	for k, v := range map[string]string{"event_type": rec.EventType, "org_id": rec.OrgID, "outcome": outcome} {
		if sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); sanitized != "" {
			out[k] = sanitized
		}
	}
	return out
}
