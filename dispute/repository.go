package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
)

// Repository reads the escrow audit trail arbitrators review before deciding.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Timeline(ctx context.Context, id escrow.ID) ([]TimelineEntry, error) {
	const query = `
		SELECT version, type, COALESCE(from_status, ''), to_status, payload, created_at
		FROM escrow_timeline
		WHERE escrow_id = $1
		ORDER BY version
	`
	rows, err := r.pool.Query(ctx, query, id[:])
	if err != nil {
		return nil, fmt.Errorf("dispute: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEntry, 0, 4)
	for rows.Next() {
		var (
			entry   TimelineEntry
			version int64
			payload []byte
		)
		if err := rows.Scan(&version, &entry.Type, &entry.FromStatus, &entry.ToStatus, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		entry.Version = uint64(version)
		entry.Payload = payload
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
