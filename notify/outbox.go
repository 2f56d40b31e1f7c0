package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// OutboxSink appends events to the outbox table for an external relay.
type OutboxSink struct {
	db Execer
}

func NewOutboxSink(db Execer) *OutboxSink {
	return &OutboxSink{db: db}
}

const insertOutboxSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`

func (s *OutboxSink) Notify(ctx context.Context, ev Event) error {
	payload := make(map[string]any, len(ev.Fields)+2)
	for k, v := range ev.Fields {
		payload[k] = v
	}
	payload["escrow_id"] = ev.EscrowID
	payload["at"] = ev.At.UTC()

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal outbox payload: %w", err)
	}
	if _, err := s.db.Exec(ctx, insertOutboxSQL, ev.Kind, payloadBytes); err != nil {
		return fmt.Errorf("notify: insert outbox message: %w", err)
	}
	return nil
}
