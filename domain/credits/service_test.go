package credits

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/pkg/apperror"
)

// fakeLedger is an in-memory ledgerStore. It mirrors the database
// semantics the service relies on: grant uniqueness per month and
// (reservation, reason) idempotency.
type fakeLedger struct {
	entries []LedgerEntry
}

func (f *fakeLedger) InsertGrant(_ context.Context, userID string, amount int64, monthKey string) error {
	for _, e := range f.entries {
		if e.Reason == ReasonGrant && e.UserID == userID && e.MonthKey == monthKey {
			return nil
		}
	}
	f.entries = append(f.entries, LedgerEntry{
		UserID: userID, Amount: amount, Reason: ReasonGrant, MonthKey: monthKey,
	})
	return nil
}

func (f *fakeLedger) Balance(_ context.Context, _ bun.IDB, userID, monthKey string) (int64, error) {
	var sum int64
	for _, e := range f.entries {
		if e.UserID == userID && e.MonthKey == monthKey {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (f *fakeLedger) Insert(_ context.Context, _ bun.IDB, entry *LedgerEntry) error {
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeLedger) InsertIdempotent(_ context.Context, _ bun.IDB, entry *LedgerEntry) (bool, error) {
	for _, e := range f.entries {
		if e.ReservationID != nil && entry.ReservationID != nil &&
			*e.ReservationID == *entry.ReservationID && e.Reason == entry.Reason {
			return false, nil
		}
	}
	f.entries = append(f.entries, *entry)
	return true, nil
}

func (f *fakeLedger) FindByReservation(_ context.Context, _ bun.IDB, reservationID, reason string) (*LedgerEntry, error) {
	for i := range f.entries {
		e := f.entries[i]
		if e.ReservationID != nil && *e.ReservationID == reservationID && e.Reason == reason {
			return &e, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) FindAbandonedReservations(context.Context, time.Duration) ([]string, error) {
	return nil, nil
}

func (f *fakeLedger) LockUser(context.Context, bun.Tx, string) error { return nil }

func (f *fakeLedger) History(context.Context, HistoryListParams) ([]LedgerEntry, int, error) {
	return nil, 0, nil
}

// sum totals every entry for a user regardless of month.
func (f *fakeLedger) sum(userID string) int64 {
	var total int64
	for _, e := range f.entries {
		if e.UserID == userID {
			total += e.Amount
		}
	}
	return total
}

func (f *fakeLedger) count(reason string) int {
	n := 0
	for _, e := range f.entries {
		if e.Reason == reason {
			n++
		}
	}
	return n
}

func testService(ledger *fakeLedger) *Service {
	return &Service{
		repo: ledger,
		cfg: config.CreditsConfig{
			MonthlyGrant:   100,
			OverdraftFloor: -10,
			PricingVersion: "v1",
		},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now: func() time.Time {
			return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
		},
		runTx: func(ctx context.Context, fn func(context.Context, bun.Tx) error) error {
			return fn(ctx, bun.Tx{})
		},
	}
}

const (
	testUser = "3e7d5a10-0000-0000-0000-000000000001"
	testJob  = "3e7d5a10-0000-0000-0000-0000000000aa"
)

func TestReserve_WithinOverdraftFloor(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	// 100 granted; reserving 108 leaves -8, still above the -10 floor.
	resID, err := svc.Reserve(context.Background(), testUser, 108, testJob)
	require.NoError(t, err)
	assert.NotEmpty(t, resID)
	assert.Equal(t, int64(-8), ledger.sum(testUser))
}

func TestReserve_BelowOverdraftFloorFails(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	// Reserving 111 would leave -11, past the floor.
	_, err := svc.Reserve(context.Background(), testUser, 111, testJob)
	require.Error(t, err)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.ErrInsufficientCredits.Code, appErr.Code)
	assert.Equal(t, 0, ledger.count(ReasonReserve))
}

func TestReserve_ExactlyAtFloor(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	_, err := svc.Reserve(context.Background(), testUser, 110, testJob)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), ledger.sum(testUser))
}

func TestFinalize_SquaresLedger(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	resID, err := svc.Reserve(context.Background(), testUser, 12, testJob)
	require.NoError(t, err)

	// Reserved 12, spent 9: the adjustment returns 3 and the net charge
	// across the reservation's entries is exactly the actual cost.
	require.NoError(t, svc.Finalize(context.Background(), resID, 9))
	assert.Equal(t, int64(100-9), ledger.sum(testUser))

	// A second finalize changes nothing.
	require.NoError(t, svc.Finalize(context.Background(), resID, 9))
	assert.Equal(t, int64(100-9), ledger.sum(testUser))
	assert.Equal(t, 1, ledger.count(ReasonFinalizeAdjust))
}

func TestFinalize_OverrunClampedToFloor(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	resID, err := svc.Reserve(context.Background(), testUser, 100, testJob)
	require.NoError(t, err)

	// Actual cost 150 would leave -50; the extra charge stops at -10.
	require.NoError(t, svc.Finalize(context.Background(), resID, 150))
	assert.Equal(t, int64(-10), ledger.sum(testUser))
}

func TestRefund_RestoresReservation(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	resID, err := svc.Reserve(context.Background(), testUser, 40, testJob)
	require.NoError(t, err)

	require.NoError(t, svc.Refund(context.Background(), resID, "job cancelled"))
	assert.Equal(t, int64(100), ledger.sum(testUser))

	// Refund is idempotent.
	require.NoError(t, svc.Refund(context.Background(), resID, "job cancelled"))
	assert.Equal(t, int64(100), ledger.sum(testUser))
	assert.Equal(t, 1, ledger.count(ReasonRefund))
}

func TestRefund_AfterFinalizeIsNoOp(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	resID, err := svc.Reserve(context.Background(), testUser, 20, testJob)
	require.NoError(t, err)
	require.NoError(t, svc.Finalize(context.Background(), resID, 20))

	require.NoError(t, svc.Refund(context.Background(), resID, "late cancel"))
	assert.Equal(t, 0, ledger.count(ReasonRefund))
	assert.Equal(t, int64(80), ledger.sum(testUser))
}

func TestFinalize_AfterRefundIsNoOp(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	resID, err := svc.Reserve(context.Background(), testUser, 20, testJob)
	require.NoError(t, err)
	require.NoError(t, svc.Refund(context.Background(), resID, "cancelled"))

	require.NoError(t, svc.Finalize(context.Background(), resID, 15))
	assert.Equal(t, 0, ledger.count(ReasonFinalizeAdjust))
	assert.Equal(t, int64(100), ledger.sum(testUser))
}

func TestBalance_ScopedToCurrentMonth(t *testing.T) {
	ledger := &fakeLedger{}
	svc := testService(ledger)

	// Spend most of August.
	resID, err := svc.Reserve(context.Background(), testUser, 90, testJob)
	require.NoError(t, err)
	require.NoError(t, svc.Finalize(context.Background(), resID, 90))

	aug, err := svc.Balance(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(10), aug.Balance)

	// After the rollover the balance starts from a fresh grant; August's
	// leftovers do not carry over.
	svc.now = func() time.Time {
		return time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
	}
	sep, err := svc.Balance(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, int64(100), sep.Balance)
	assert.Equal(t, "2026-09", sep.MonthKey)
}

func TestMonthKey(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{
			name: "plain utc",
			in:   time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
			want: "2026-08",
		},
		{
			// 2026-09-01T01:30+02:00 is 23:30 UTC on Aug 31.
			name: "local september is utc august",
			in:   time.Date(2026, 9, 1, 1, 30, 0, 0, time.FixedZone("CEST", 2*3600)),
			want: "2026-08",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MonthKey(tt.in))
		})
	}
}

func TestClampCharge(t *testing.T) {
	tests := []struct {
		name       string
		balance    int64
		adjustment int64
		floor      int64
		want       int64
	}{
		{
			name:       "positive adjustment untouched",
			balance:    5,
			adjustment: 3,
			floor:      -10,
			want:       3,
		},
		{
			name:       "charge within floor",
			balance:    5,
			adjustment: -8,
			floor:      -10,
			want:       -8,
		},
		{
			name:       "charge clamped at floor",
			balance:    5,
			adjustment: -20,
			floor:      -10,
			want:       -15,
		},
		{
			name:       "already at floor charges nothing",
			balance:    -10,
			adjustment: -5,
			floor:      -10,
			want:       0,
		},
		{
			name:       "below floor charges nothing",
			balance:    -12,
			adjustment: -1,
			floor:      -10,
			want:       0,
		},
		{
			name:       "zero adjustment",
			balance:    5,
			adjustment: 0,
			floor:      -10,
			want:       0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampCharge(tt.balance, tt.adjustment, tt.floor))
		})
	}
}
