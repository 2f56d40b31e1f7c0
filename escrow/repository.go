package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/ledger"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxLedger applies transfer legs inside an open transaction.
type TxLedger interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, batch []ledger.Transfer) error
}

// PGRepository stores escrows in Postgres. Every committed transition writes
// the row, its ledger legs and an escrow_timeline entry in one transaction.
type PGRepository struct {
	pool   TxBeginner
	ledger TxLedger
}

func NewRepository(pool TxBeginner, l TxLedger) *PGRepository {
	return &PGRepository{pool: pool, ledger: l}
}

const escrowColumns = `
	id, buyer, seller, amount, created_at, auto_release_deadline,
	status, dispute_raised, dispute_initiator, disputed_at, completed_at,
	release_kind, buyer_share, fee_bps, fee_amount, fee_version,
	version, updated_at`

const (
	insertEscrowSQL = `
INSERT INTO escrows (` + escrowColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	selectEscrowSQL = `SELECT ` + escrowColumns + ` FROM escrows`

	updateEscrowSQL = `
UPDATE escrows
SET status = $3,
    dispute_raised = $4,
    dispute_initiator = $5,
    disputed_at = $6,
    completed_at = $7,
    release_kind = $8,
    buyer_share = $9,
    fee_bps = $10,
    fee_amount = $11,
    fee_version = $12,
    version = version + 1,
    updated_at = $13
WHERE id = $1 AND version = $2`

	insertTimelineSQL = `
INSERT INTO escrow_timeline (escrow_id, version, type, from_status, to_status, payload)
VALUES ($1, $2, $3, $4, $5, $6)`
)

func (r *PGRepository) Create(ctx context.Context, e Escrow) (Escrow, error) {
	if e.Amount > math.MaxInt64 {
		return Escrow{}, fmt.Errorf("%w: amount exceeds %d", ErrInvalidInput, int64(math.MaxInt64))
	}
	e.Version = 1

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertEscrowSQL,
		e.ID[:], e.Buyer, e.Seller, int64(e.Amount), e.CreatedAt, e.AutoReleaseDeadline,
		string(e.Status), e.DisputeRaised, e.DisputeInitiator, e.DisputedAt, e.CompletedAt,
		string(e.ReleaseKind), int16(e.BuyerShare), int32(e.FeeBps), int64(e.FeeAmount), int64(e.FeeVersion),
		int64(e.Version), e.UpdatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Escrow{}, fmt.Errorf("%w: %s", ErrAlreadyExists, e.ID.Short())
		}
		return Escrow{}, fmt.Errorf("escrow: insert: %w", err)
	}
	payload := map[string]any{"buyer": e.Buyer, "seller": e.Seller, "amount": units(e.Amount)}
	if err := appendTimeline(ctx, tx, e, EventCreated, "", payload); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return e, nil
}

func (r *PGRepository) Get(ctx context.Context, id ID) (Escrow, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, selectEscrowSQL+` WHERE id = $1`, id[:]))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get: %w", err)
	}
	return e, nil
}

func (r *PGRepository) CompareAndSwap(ctx context.Context, id ID, expected Status, mutate Mutator) (Escrow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	snapshot, err := scanEscrow(tx.QueryRow(ctx, selectEscrowSQL+` WHERE id = $1`, id[:]))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: read snapshot: %w", err)
	}
	if snapshot.Status != expected {
		return Escrow{}, fmt.Errorf("%w: escrow is %s, want %s", ErrInvalidState, snapshot.Status, expected)
	}

	mut, err := mutate(snapshot)
	if err != nil {
		return Escrow{}, err
	}
	next := mut.Next
	if err := checkSuccessor(snapshot, next); err != nil {
		return Escrow{}, err
	}
	next.Version = snapshot.Version + 1

	tag, err := tx.Exec(ctx, updateEscrowSQL,
		id[:], int64(snapshot.Version),
		string(next.Status), next.DisputeRaised, next.DisputeInitiator, next.DisputedAt, next.CompletedAt,
		string(next.ReleaseKind), int16(next.BuyerShare), int32(next.FeeBps), int64(next.FeeAmount), int64(next.FeeVersion),
		next.UpdatedAt,
	)
	if err != nil {
		return Escrow{}, classify("update", err)
	}
	if tag.RowsAffected() == 0 {
		return Escrow{}, ErrConflict
	}

	if len(mut.Transfers) > 0 {
		if err := r.ledger.ApplyTx(ctx, tx, mut.Transfers); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrTransferRejected) {
				return Escrow{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
			return Escrow{}, classify("transfer", err)
		}
	}
	if err := appendTimeline(ctx, tx, next, mut.Event, snapshot.Status, mut.Fields); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, classify("commit", err)
	}
	return next, nil
}

func (r *PGRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]Escrow, error) {
	return r.list(ctx, selectEscrowSQL+`
WHERE status = 'funded' AND NOT dispute_raised AND auto_release_deadline <= $1
ORDER BY auto_release_deadline
LIMIT $2`, now, limitOrAll(limit))
}

func (r *PGRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]Escrow, error) {
	return r.list(ctx, selectEscrowSQL+`
WHERE status = $1
ORDER BY COALESCE(disputed_at, created_at), id
LIMIT $2`, string(status), limitOrAll(limit))
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Escrow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	var out []Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: list rows: %w", err)
	}
	return out, nil
}

func scanEscrow(row pgx.Row) (Escrow, error) {
	var (
		e           Escrow
		id          []byte
		status      string
		releaseKind string
		amount      int64
		buyerShare  int16
		feeBps      int32
		feeAmount   int64
		feeVersion  int64
		version     int64
	)
	if err := row.Scan(
		&id, &e.Buyer, &e.Seller, &amount, &e.CreatedAt, &e.AutoReleaseDeadline,
		&status, &e.DisputeRaised, &e.DisputeInitiator, &e.DisputedAt, &e.CompletedAt,
		&releaseKind, &buyerShare, &feeBps, &feeAmount, &feeVersion,
		&version, &e.UpdatedAt,
	); err != nil {
		return Escrow{}, err
	}
	if len(id) != len(e.ID) {
		return Escrow{}, fmt.Errorf("escrow: stored id has %d bytes", len(id))
	}
	copy(e.ID[:], id)
	e.Status = Status(status)
	e.ReleaseKind = ReleaseKind(releaseKind)
	e.Amount = uint64(amount)
	e.BuyerShare = uint8(buyerShare)
	e.FeeBps = uint32(feeBps)
	e.FeeAmount = uint64(feeAmount)
	e.FeeVersion = uint64(feeVersion)
	e.Version = uint64(version)
	return e, nil
}

func appendTimeline(ctx context.Context, tx pgx.Tx, e Escrow, event string, from Status, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}
	var fromStatus any
	if from != "" {
		fromStatus = string(from)
	}
	if _, err := tx.Exec(ctx, insertTimelineSQL, e.ID[:], int64(e.Version), event, fromStatus, string(e.Status), payload); err != nil {
		return fmt.Errorf("escrow: insert timeline: %w", err)
	}
	return nil
}

// classify turns serialization failures and deadlocks into ErrConflict.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s: %s", ErrConflict, op, pgErr.Code)
	}
	return fmt.Errorf("escrow: %s: %w", op, err)
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
