package fee

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoSchedule signals no version has been persisted yet.
var ErrNoSchedule = errors.New("fee: no persisted schedule")

// PGRepository keeps the append-only history of schedules in fee_schedules.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Append inserts the version. A duplicate version means another writer published first.
func (r *PGRepository) Append(ctx context.Context, s Schedule) error {
	const insertSQL = `
		INSERT INTO fee_schedules (version, fee_bps, collector, updated_by, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
	`
	_, err := r.pool.Exec(ctx, insertSQL, int64(s.Version), int32(s.Bps), s.Collector, s.UpdatedBy, s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrStale
		}
		return fmt.Errorf("fee: append schedule: %w", err)
	}
	return nil
}

// Latest returns the highest persisted version.
func (r *PGRepository) Latest(ctx context.Context) (Schedule, error) {
	const selectSQL = `
		SELECT version, fee_bps, collector, COALESCE(updated_by, ''), updated_at
		FROM fee_schedules
		ORDER BY version DESC
		LIMIT 1
	`
	var (
		s       Schedule
		version int64
		bps     int32
	)
	err := r.pool.QueryRow(ctx, selectSQL).Scan(&version, &bps, &s.Collector, &s.UpdatedBy, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Schedule{}, ErrNoSchedule
		}
		return Schedule{}, fmt.Errorf("fee: latest schedule: %w", err)
	}
	s.Version = uint64(version)
	s.Bps = uint32(bps)
	return s, nil
}
