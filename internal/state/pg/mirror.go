package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/replbridge/internal/state"
)

// Mirror write-throughs sender-trust changes and delivery outcomes into
// Postgres. Every method is best-effort from the caller's point of view:
// callers log a Mirror error and carry on, since the JSON/JSONL files are
// the real state and this is only its audit copy.
type Mirror struct {
	db *sql.DB
}

// NewMirror wraps an already-open pool. Callers own db's lifetime.
func NewMirror(db *sql.DB) *Mirror {
	return &Mirror{db: db}
}

// RecordSenderChange upserts a sender_audit row, appending displayName to
// the row's distinct aliases array when it's new. aliases is a Postgres
// text[] column, matching the teacher's own pq.Array usage for list-valued
// columns in internal/store/pg/teams_tasks.go.
func (m *Mirror) RecordSenderChange(ctx context.Context, s state.Sender) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sender_audit (channel, sender_id, tier, approved_by, approved_at, last_seen_at, aliases)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel, sender_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			approved_by = COALESCE(NULLIF(EXCLUDED.approved_by, ''), sender_audit.approved_by),
			approved_at = GREATEST(sender_audit.approved_at, EXCLUDED.approved_at),
			last_seen_at = GREATEST(sender_audit.last_seen_at, EXCLUDED.last_seen_at),
			aliases = (
				SELECT array_agg(DISTINCT alias) FROM unnest(
					array_append(sender_audit.aliases, $8::text)
				) AS alias WHERE alias IS NOT NULL AND alias != ''
			)
	`,
		s.Channel, s.SenderID, string(s.Tier), s.ApprovedBy, s.ApprovedAt, s.LastSeenAt,
		pq.Array([]string{s.DisplayName}), s.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("mirror sender change: %w", err)
	}
	return nil
}

// RecordDelivery appends one delivery_audit row. Unlike sender_audit this
// is insert-only: every record passed in gets its own row (the router
// passes one per routed response, not one per retry attempt).
func (m *Mirror) RecordDelivery(ctx context.Context, rec state.DeliveryRecord) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO delivery_audit (ts, channel, chat_id, fingerprint, status, attempt, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		rec.Timestamp, rec.Channel, rec.ChatID, rec.Fingerprint, string(rec.Status), rec.Attempt, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("mirror delivery record: %w", err)
	}
	return nil
}
