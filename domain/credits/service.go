package credits

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/internal/database"
	"github.com/phraseforge/phraseforge/pkg/apperror"
	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/metrics"
)

// ledgerStore is the repository surface the service depends on.
type ledgerStore interface {
	InsertGrant(ctx context.Context, userID string, amount int64, monthKey string) error
	Balance(ctx context.Context, db bun.IDB, userID, monthKey string) (int64, error)
	Insert(ctx context.Context, db bun.IDB, entry *LedgerEntry) error
	InsertIdempotent(ctx context.Context, db bun.IDB, entry *LedgerEntry) (bool, error)
	FindByReservation(ctx context.Context, db bun.IDB, reservationID, reason string) (*LedgerEntry, error)
	FindAbandonedReservations(ctx context.Context, ttl time.Duration) ([]string, error)
	LockUser(ctx context.Context, tx bun.Tx, userID string) error
	History(ctx context.Context, params HistoryListParams) ([]LedgerEntry, int, error)
}

// Service implements the credit ledger rules: one grant per calendar
// month, month-scoped balances, reserve-then-adjust accounting per job,
// and an overdraft floor that spending never crosses.
type Service struct {
	repo  ledgerStore
	db    *bun.DB
	cfg   config.CreditsConfig
	log   *slog.Logger
	now   func() time.Time
	runTx func(ctx context.Context, fn func(context.Context, bun.Tx) error) error
}

// NewService creates a new credits service
func NewService(repo *Repository, db *bun.DB, cfg *config.Config, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		db:   db,
		cfg:  cfg.Credits,
		log:  log.With(logger.Scope("credits.service")),
		now:  time.Now,
		runTx: func(ctx context.Context, fn func(context.Context, bun.Tx) error) error {
			return database.RunInSafeTx(ctx, db, fn)
		},
	}
}

// MonthKey formats the grant month for a point in time, in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// EnsureMonthlyGrant credits the current month's grant if the user has
// not received it yet. Safe to call on every balance read.
func (s *Service) EnsureMonthlyGrant(ctx context.Context, userID string) error {
	return s.repo.InsertGrant(ctx, userID, s.cfg.MonthlyGrant, MonthKey(s.now()))
}

// Balance returns the user's current balance, granting this month's
// credits first if needed.
func (s *Service) Balance(ctx context.Context, userID string) (*BalanceResponse, error) {
	if err := s.EnsureMonthlyGrant(ctx, userID); err != nil {
		return nil, err
	}
	balance, err := s.repo.Balance(ctx, s.db, userID, MonthKey(s.now()))
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{
		Balance:        balance,
		MonthlyGrant:   s.cfg.MonthlyGrant,
		OverdraftFloor: s.cfg.OverdraftFloor,
		MonthKey:       MonthKey(s.now()),
	}, nil
}

// History lists the user's ledger entries.
func (s *Service) History(ctx context.Context, params HistoryListParams) (*HistoryResponse, error) {
	entries, total, err := s.repo.History(ctx, params)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{Data: entries, Total: total}, nil
}

// Reserve deducts the estimated cost up front and returns the
// reservation id. The reserve succeeds as long as the resulting balance
// stays at or above the overdraft floor. Concurrent reserves for one
// user serialize on an advisory lock so the balance check and the
// deduction are atomic.
func (s *Service) Reserve(ctx context.Context, userID string, amount int64, jobID string) (string, error) {
	if err := s.EnsureMonthlyGrant(ctx, userID); err != nil {
		return "", err
	}

	reservationID := uuid.NewString()
	monthKey := MonthKey(s.now())
	err := s.runTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := s.repo.LockUser(ctx, tx, userID); err != nil {
			return err
		}

		balance, err := s.repo.Balance(ctx, tx, userID, monthKey)
		if err != nil {
			return err
		}
		if balance-amount < s.cfg.OverdraftFloor {
			return apperror.ErrInsufficientCredits.WithDetails(map[string]any{
				"balance":  balance,
				"required": amount,
			})
		}

		return s.repo.Insert(ctx, tx, &LedgerEntry{
			UserID:         userID,
			Amount:         -amount,
			Reason:         ReasonReserve,
			MonthKey:       monthKey,
			JobID:          &jobID,
			ReservationID:  &reservationID,
			PricingVersion: &s.cfg.PricingVersion,
		})
	})
	if err != nil {
		return "", err
	}

	metrics.CreditsReserved.Add(float64(amount))
	s.log.Info("credits reserved",
		slog.String("user_id", userID),
		slog.String("reservation_id", reservationID),
		slog.Int64("amount", amount),
	)
	return reservationID, nil
}

// Finalize settles a reservation against the actual cost. Unused
// credits come back; an overrun is charged only down to the overdraft
// floor. Calling it twice for one reservation is a no-op.
func (s *Service) Finalize(ctx context.Context, reservationID string, actual int64) error {
	return s.runTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		reservation, err := s.repo.FindByReservation(ctx, tx, reservationID, ReasonReserve)
		if err != nil {
			return err
		}
		if reservation == nil {
			return apperror.ErrNotFound.WithMessage("Reservation not found")
		}

		if err := s.repo.LockUser(ctx, tx, reservation.UserID); err != nil {
			return err
		}

		// A refunded reservation has already been settled.
		refund, err := s.repo.FindByReservation(ctx, tx, reservationID, ReasonRefund)
		if err != nil {
			return err
		}
		if refund != nil {
			return nil
		}

		reserved := -reservation.Amount
		adjustment := reserved - actual
		if adjustment < 0 {
			balance, err := s.repo.Balance(ctx, tx, reservation.UserID, reservation.MonthKey)
			if err != nil {
				return err
			}
			adjustment = ClampCharge(balance, adjustment, s.cfg.OverdraftFloor)
		}

		// The adjustment lands in the reservation's month so the pair
		// always squares within one month bucket.
		inserted, err := s.repo.InsertIdempotent(ctx, tx, &LedgerEntry{
			UserID:         reservation.UserID,
			Amount:         adjustment,
			Reason:         ReasonFinalizeAdjust,
			MonthKey:       reservation.MonthKey,
			JobID:          reservation.JobID,
			ReservationID:  &reservationID,
			PricingVersion: &s.cfg.PricingVersion,
		})
		if err != nil {
			return err
		}
		if inserted {
			s.log.Info("reservation finalized",
				slog.String("reservation_id", reservationID),
				slog.Int64("reserved", reserved),
				slog.Int64("actual", actual),
				slog.Int64("adjustment", adjustment),
			)
		}
		return nil
	})
}

// Refund returns the full reserved amount, for cancelled jobs and
// abandoned reservations. Idempotent, and a no-op after finalize.
func (s *Service) Refund(ctx context.Context, reservationID, note string) error {
	return s.runTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		reservation, err := s.repo.FindByReservation(ctx, tx, reservationID, ReasonReserve)
		if err != nil {
			return err
		}
		if reservation == nil {
			return apperror.ErrNotFound.WithMessage("Reservation not found")
		}

		if err := s.repo.LockUser(ctx, tx, reservation.UserID); err != nil {
			return err
		}

		finalized, err := s.repo.FindByReservation(ctx, tx, reservationID, ReasonFinalizeAdjust)
		if err != nil {
			return err
		}
		if finalized != nil {
			return nil
		}

		entry := &LedgerEntry{
			UserID:         reservation.UserID,
			Amount:         -reservation.Amount,
			Reason:         ReasonRefund,
			MonthKey:       reservation.MonthKey,
			JobID:          reservation.JobID,
			ReservationID:  &reservationID,
			PricingVersion: &s.cfg.PricingVersion,
		}
		if note != "" {
			entry.Note = &note
		}

		inserted, err := s.repo.InsertIdempotent(ctx, tx, entry)
		if err != nil {
			return err
		}
		if inserted {
			metrics.CreditsRefunded.Add(float64(-reservation.Amount))
			s.log.Info("reservation refunded",
				slog.String("reservation_id", reservationID),
				slog.Int64("amount", -reservation.Amount),
				slog.String("note", note),
			)
		}
		return nil
	})
}

// SweepAbandoned refunds reservations that outlived the TTL without a
// settlement, run periodically by the watchdog.
func (s *Service) SweepAbandoned(ctx context.Context) (int, error) {
	ids, err := s.repo.FindAbandonedReservations(ctx, s.cfg.ReservationTTL)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, id := range ids {
		if err := s.Refund(ctx, id, "abandoned reservation"); err != nil {
			s.log.Error("failed to refund abandoned reservation",
				slog.String("reservation_id", id),
				logger.Error(err),
			)
			continue
		}
		refunded++
	}
	return refunded, nil
}

// ClampCharge limits a negative adjustment so the resulting balance
// never goes below the overdraft floor.
func ClampCharge(balance, adjustment, floor int64) int64 {
	if adjustment >= 0 {
		return adjustment
	}
	if balance+adjustment < floor {
		adjustment = floor - balance
	}
	if adjustment > 0 {
		return 0
	}
	return adjustment
}
