package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tenant-control-plane/internal/audit/domain"
	"tenant-control-plane/internal/db/rls"
)

// Execer is the write surface the sink needs. *sqlx.DB satisfies it; the audit insert
// policy admits writes from unscoped pool connections.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresSink appends audit records to the audit_records table.
type PostgresSink struct {
	db Execer
}

// NewPostgresSink returns an audit sink that inserts into db.
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

const insertRecord = `INSERT INTO audit_records
    (id, event_type, entity_type, entity_id, actor, org_id, payload_digest, success, reason, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// Append inserts rec. The table rejects updates and deletes.
func (s *PostgresSink) Append(ctx context.Context, rec *domain.Record) error {
	meta, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return fmt.Errorf("audit: metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertRecord,
		rec.ID, rec.EventType, rec.EntityType, rec.EntityID, rec.Actor, rec.OrgID,
		rec.PayloadDigest, rec.Success, rec.Reason, meta, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

type recordRow struct {
	ID            string    `db:"id"`
	EventType     string    `db:"event_type"`
	EntityType    string    `db:"entity_type"`
	EntityID      string    `db:"entity_id"`
	Actor         string    `db:"actor"`
	OrgID         string    `db:"org_id"`
	PayloadDigest string    `db:"payload_digest"`
	Success       bool      `db:"success"`
	Reason        string    `db:"reason"`
	Metadata      []byte    `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
}

const listByOrg = `SELECT id, event_type, entity_type, entity_id, actor, org_id, payload_digest, success, reason, metadata, created_at
FROM audit_records WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

// ListByOrg returns records for orgID, newest first. q must be a session scoped to orgID;
// row-level security hides other organizations' records regardless of the argument.
func ListByOrg(ctx context.Context, q rls.Querier, orgID string, limit, offset int) ([]*domain.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []recordRow
	if err := q.SelectContext(ctx, &rows, listByOrg, orgID, limit, offset); err != nil {
		return nil, err
	}
	out := make([]*domain.Record, 0, len(rows))
	for i := range rows {
		r := rows[i]
		meta := map[string]string{}
		if len(r.Metadata) > 0 {
			_ = json.Unmarshal(r.Metadata, &meta)
		}
		out = append(out, &domain.Record{
			ID: r.ID, EventType: r.EventType, EntityType: r.EntityType, EntityID: r.EntityID,
			Actor: r.Actor, OrgID: r.OrgID, PayloadDigest: r.PayloadDigest, Success: r.Success,
			Reason: r.Reason, Metadata: meta, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
