package credits

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/phraseforge/phraseforge/pkg/apperror"
	"github.com/phraseforge/phraseforge/pkg/logger"
)

// Repository handles database operations for the credit ledger
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new credits repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("credits.repo")),
	}
}

// InsertGrant inserts the monthly grant for a user. The partial unique
// index on (user_id, month_key) makes concurrent inserts a no-op, so a
// user gets at most one grant per month.
func (r *Repository) InsertGrant(ctx context.Context, userID string, amount int64, monthKey string) error {
	entry := &LedgerEntry{
		UserID:   userID,
		Amount:   amount,
		Reason:   ReasonGrant,
		MonthKey: monthKey,
	}
	_, err := r.db.NewInsert().
		Model(entry).
		On("CONFLICT (user_id, month_key) WHERE reason = 'grant' DO NOTHING").
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to insert monthly grant", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// Balance sums a user's ledger entries for one calendar month. Credits
// do not carry over; each month starts from its own grant.
func (r *Repository) Balance(ctx context.Context, db bun.IDB, userID, monthKey string) (int64, error) {
	var balance int64
	err := db.NewSelect().
		Model((*LedgerEntry)(nil)).
		ColumnExpr("COALESCE(SUM(amount), 0)").
		Where("user_id = ?", userID).
		Where("month_key = ?", monthKey).
		Scan(ctx, &balance)
	if err != nil {
		r.log.Error("failed to sum ledger", logger.Error(err))
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return balance, nil
}

// Insert appends a ledger entry.
func (r *Repository) Insert(ctx context.Context, db bun.IDB, entry *LedgerEntry) error {
	if _, err := db.NewInsert().Model(entry).Exec(ctx); err != nil {
		r.log.Error("failed to insert ledger entry",
			slog.String("reason", entry.Reason),
			logger.Error(err),
		)
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// InsertIdempotent appends a ledger entry keyed by (reservation_id,
// reason); a duplicate insert is a no-op and reports inserted=false.
func (r *Repository) InsertIdempotent(ctx context.Context, db bun.IDB, entry *LedgerEntry) (bool, error) {
	res, err := db.NewInsert().
		Model(entry).
		On("CONFLICT (reservation_id, reason) WHERE reservation_id IS NOT NULL DO NOTHING").
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to insert ledger entry",
			slog.String("reason", entry.Reason),
			logger.Error(err),
		)
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return rows > 0, nil
}

// FindByReservation returns the ledger entry for a reservation and
// reason, or nil when none exists.
func (r *Repository) FindByReservation(ctx context.Context, db bun.IDB, reservationID, reason string) (*LedgerEntry, error) {
	entry := &LedgerEntry{}
	err := db.NewSelect().
		Model(entry).
		Where("reservation_id = ?", reservationID).
		Where("reason = ?", reason).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.log.Error("failed to find reservation entry", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entry, nil
}

// History lists ledger entries for a user, newest first.
func (r *Repository) History(ctx context.Context, params HistoryListParams) ([]LedgerEntry, int, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	entries := []LedgerEntry{}
	total, err := r.db.NewSelect().
		Model(&entries).
		Where("user_id = ?", params.UserID).
		Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		ScanAndCount(ctx)
	if err != nil {
		r.log.Error("failed to list ledger entries", logger.Error(err))
		return nil, 0, apperror.ErrDatabase.WithInternal(err)
	}
	return entries, total, nil
}

// FindAbandonedReservations returns reservations older than the TTL
// that were never finalized or refunded and whose job is no longer
// live. These leak credits until the watchdog refunds them.
func (r *Repository) FindAbandonedReservations(ctx context.Context, ttl time.Duration) ([]string, error) {
	query := `
		SELECT cl.reservation_id::text
		FROM pf.credit_ledger cl
		WHERE cl.reason = 'reserve'
			AND cl.created_at < now() - (? || ' seconds')::interval
			AND NOT EXISTS (
				SELECT 1 FROM pf.credit_ledger x
				WHERE x.reservation_id = cl.reservation_id
					AND x.reason IN ('finalize_adjust', 'refund')
			)
			AND NOT EXISTS (
				SELECT 1 FROM pf.jobs j
				WHERE j.id = cl.job_id
					AND j.status IN ('queued', 'processing')
			)`

	var ids []string
	if err := r.db.NewRaw(query, int(ttl.Seconds())).Scan(ctx, &ids); err != nil {
		r.log.Error("failed to find abandoned reservations", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// LockUser takes a transaction-scoped advisory lock on the user's
// ledger. Concurrent reserves for the same user serialize here.
func (r *Repository) LockUser(ctx context.Context, tx bun.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", userID); err != nil {
		r.log.Error("failed to lock user ledger", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}
