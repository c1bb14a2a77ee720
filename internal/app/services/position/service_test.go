package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	domain "github.com/raisefi/offering_layer/internal/app/domain/position"
	"github.com/raisefi/offering_layer/internal/app/metrics"
	ledgersvc "github.com/raisefi/offering_layer/internal/app/services/ledger"
	"github.com/raisefi/offering_layer/internal/app/storage/memory"
)

var testStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	svc      *Service
	balances *ledgersvc.Service
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	e := &env{now: testStart}
	e.balances = ledgersvc.New(store, nil)
	e.svc = New(store, e.balances, Roles{
		Admins:       []string{"admin"},
		PayoutAdmins: []string{"payout"},
	}, nil, nil)
	e.svc.WithClock(func() time.Time { return e.now })
	return e
}

func (e *env) createLedger(t *testing.T) domain.Ledger {
	t.Helper()
	led, err := e.svc.CreateLedger(context.Background(), domain.Ledger{
		OfferingID:     "off-1",
		SaleAsset:      "TOKEN",
		PayoutAsset:    "USDT",
		PayoutPeriod:   24 * time.Hour,
		APRBasisPoints: 1_000,
		MaturityTime:   testStart.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	return led
}

func (e *env) mint(t *testing.T, asset, holder string, amount int64) {
	t.Helper()
	if err := e.balances.Mint(context.Background(), asset, holder, amount, "seed"); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

// register funds the issuer holder and registers a position from it.
func (e *env) register(t *testing.T, investor string, amount int64) {
	t.Helper()
	e.mint(t, "TOKEN", "issuer", amount)
	if _, err := e.svc.RegisterInvestment(context.Background(), "off-1", investor, amount, amount, "issuer"); err != nil {
		t.Fatalf("register %s: %v", investor, err)
	}
}

func (e *env) armAndReach(t *testing.T) {
	t.Helper()
	if err := e.svc.ArmFirstPayout(context.Background(), "off-1", e.now.Add(time.Hour)); err != nil {
		t.Fatalf("arm: %v", err)
	}
	e.now = e.now.Add(time.Hour)
}

func TestService_RegisterAccumulates(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 300)
	e.register(t, "alice", 200)

	pos, err := e.svc.GetPosition(ctx, "off-1", "alice")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Deposited != 500 || pos.NormalizedValue != 500 {
		t.Fatalf("unexpected position: %+v", pos)
	}
	led, _ := e.svc.GetLedger(ctx, "off-1")
	if led.TotalEscrowed != 500 || led.TotalNormalized != 500 {
		t.Fatalf("unexpected totals: %+v", led)
	}
	held, _ := e.balances.Balance(ctx, "TOKEN", led.HolderID())
	if held != 500 {
		t.Fatalf("custody holds %d, want 500", held)
	}
}

func TestService_ArmOnce(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	if err := e.svc.ArmFirstPayout(ctx, "off-1", testStart.Add(time.Hour)); err != nil {
		t.Fatalf("arm: %v", err)
	}
	err := e.svc.ArmFirstPayout(ctx, "off-1", testStart.Add(2*time.Hour))
	if !errors.Is(err, ErrAlreadyArmed) {
		t.Fatalf("expected already armed, got %v", err)
	}
}

func TestService_DistributeGates(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 100)
	e.mint(t, "USDT", "payout", 1_000)

	if _, err := e.svc.Distribute(ctx, "alice", "off-1", 100); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	// Not armed yet.
	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 100); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("expected not armed, got %v", err)
	}
	if err := e.svc.ArmFirstPayout(ctx, "off-1", e.now.Add(time.Hour)); err != nil {
		t.Fatalf("arm: %v", err)
	}
	// Armed but the first payout date is still ahead.
	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 100); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("expected not armed before first payout date, got %v", err)
	}

	e.now = e.now.Add(time.Hour)
	per, err := e.svc.Distribute(ctx, "payout", "off-1", 100)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if per.Index != 1 || per.NormalizedSnapshot != 100 {
		t.Fatalf("unexpected period: %+v", per)
	}
}

func TestService_ProportionalPayouts(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 600)
	e.register(t, "bob", 400)
	e.mint(t, "USDT", "payout", 1_000)
	e.armAndReach(t)

	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 1_000); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	got, err := e.svc.ClaimAvailablePayouts(ctx, "off-1", "alice")
	if err != nil {
		t.Fatalf("claim alice: %v", err)
	}
	if got != 600 {
		t.Fatalf("alice share %d, want 600", got)
	}
	got, err = e.svc.ClaimAvailablePayouts(ctx, "off-1", "bob")
	if err != nil {
		t.Fatalf("claim bob: %v", err)
	}
	if got != 400 {
		t.Fatalf("bob share %d, want 400", got)
	}

	// Caught up; nothing further to claim.
	if _, err := e.svc.ClaimAvailablePayouts(ctx, "off-1", "alice"); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected nothing to claim, got %v", err)
	}
}

func TestService_ClaimSpansMultiplePeriods(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 500)
	e.mint(t, "USDT", "payout", 1_000)
	e.armAndReach(t)

	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 300); err != nil {
		t.Fatalf("distribute 1: %v", err)
	}
	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 200); err != nil {
		t.Fatalf("distribute 2: %v", err)
	}

	got, err := e.svc.ClaimAvailablePayouts(ctx, "off-1", "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got != 500 {
		t.Fatalf("claimed %d across periods, want 500", got)
	}
	pos, _ := e.svc.GetPosition(ctx, "off-1", "alice")
	if pos.LastClaimedPeriod != 2 {
		t.Fatalf("last claimed period %d, want 2", pos.LastClaimedPeriod)
	}
}

// A period's shares are fixed by its snapshot. An exit after distribution
// does not dilute or concentrate already-distributed periods; only later
// periods see the reduced totals.
func TestService_SnapshotSurvivesExit(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 600)
	e.register(t, "bob", 400)
	e.mint(t, "USDT", "payout", 2_000)
	e.armAndReach(t)

	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 1_000); err != nil {
		t.Fatalf("distribute 1: %v", err)
	}
	if err := e.svc.EnableEmergencyUnlock(ctx, "admin", "off-1", 0); err != nil {
		t.Fatalf("enable unlock: %v", err)
	}
	if _, err := e.svc.EmergencyUnlock(ctx, "off-1", "alice"); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	// Bob's period-1 share still uses the 1000 snapshot.
	got, err := e.svc.ClaimAvailablePayouts(ctx, "off-1", "bob")
	if err != nil {
		t.Fatalf("claim period 1: %v", err)
	}
	if got != 400 {
		t.Fatalf("bob period-1 share %d, want 400", got)
	}

	// Period 2 snapshots the post-exit total; bob now owns it all.
	per, err := e.svc.Distribute(ctx, "payout", "off-1", 1_000)
	if err != nil {
		t.Fatalf("distribute 2: %v", err)
	}
	if per.NormalizedSnapshot != 400 {
		t.Fatalf("period-2 snapshot %d, want 400", per.NormalizedSnapshot)
	}
	got, err = e.svc.ClaimAvailablePayouts(ctx, "off-1", "bob")
	if err != nil {
		t.Fatalf("claim period 2: %v", err)
	}
	if got != 1_000 {
		t.Fatalf("bob period-2 share %d, want 1000", got)
	}
}

func TestService_EmergencyUnlockPenalty(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 1_000)

	if _, err := e.svc.EmergencyUnlock(ctx, "off-1", "alice"); !errors.Is(err, ErrUnlockDisabled) {
		t.Fatalf("expected unlock disabled, got %v", err)
	}
	if err := e.svc.EnableEmergencyUnlock(ctx, "admin", "off-1", 6_000); !errors.Is(err, ErrPenaltyTooHigh) {
		t.Fatalf("expected penalty too high, got %v", err)
	}
	if err := e.svc.EnableEmergencyUnlock(ctx, "alice", "off-1", 2_000); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := e.svc.EnableEmergencyUnlock(ctx, "admin", "off-1", 2_000); err != nil {
		t.Fatalf("enable unlock: %v", err)
	}

	returned, err := e.svc.EmergencyUnlock(ctx, "off-1", "alice")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if returned != 800 {
		t.Fatalf("returned %d, want 800 after 20%% penalty", returned)
	}
	bal, _ := e.balances.Balance(ctx, "TOKEN", "alice")
	if bal != 800 {
		t.Fatalf("alice balance %d, want 800", bal)
	}

	// The penalty stays in custody; totals drop by the full deposit.
	led, _ := e.svc.GetLedger(ctx, "off-1")
	if led.TotalEscrowed != 0 || led.TotalNormalized != 0 {
		t.Fatalf("totals not zeroed: %+v", led)
	}
	held, _ := e.balances.Balance(ctx, "TOKEN", led.HolderID())
	if held != 200 {
		t.Fatalf("custody holds %d, want 200 penalty", held)
	}

	if _, err := e.svc.EmergencyUnlock(ctx, "off-1", "alice"); !errors.Is(err, ErrAlreadyExited) {
		t.Fatalf("expected already exited, got %v", err)
	}
	if _, err := e.svc.RegisterInvestment(ctx, "off-1", "alice", 100, 100, "issuer"); !errors.Is(err, ErrAlreadyExited) {
		t.Fatalf("expected already exited on re-register, got %v", err)
	}
}

// An exit settles the investor's unclaimed shares of periods that were
// already distributed; the snapshot-fixed amounts leave custody with the
// exit instead of stranding there.
func TestService_UnlockSettlesDistributedPayouts(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 600)
	e.register(t, "bob", 400)
	e.mint(t, "USDT", "payout", 1_000)
	e.armAndReach(t)

	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 1_000); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := e.svc.EnableEmergencyUnlock(ctx, "admin", "off-1", 2_000); err != nil {
		t.Fatalf("enable unlock: %v", err)
	}

	returned, err := e.svc.EmergencyUnlock(ctx, "off-1", "alice")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if returned != 480 {
		t.Fatalf("returned %d, want 480 after 20%% penalty", returned)
	}

	// The penalty applies to the deposit only; the period-1 share is fixed
	// by its snapshot and paid in full.
	usdt, _ := e.balances.Balance(ctx, "USDT", "alice")
	if usdt != 600 {
		t.Fatalf("alice settled payout %d, want 600", usdt)
	}
	if _, err := e.svc.ClaimAvailablePayouts(ctx, "off-1", "alice"); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected nothing to claim after exit, got %v", err)
	}

	// Bob's share is untouched and payout custody drains once he claims.
	got, err := e.svc.ClaimAvailablePayouts(ctx, "off-1", "bob")
	if err != nil {
		t.Fatalf("claim bob: %v", err)
	}
	if got != 400 {
		t.Fatalf("bob share %d, want 400", got)
	}
	led, _ := e.svc.GetLedger(ctx, "off-1")
	held, _ := e.balances.Balance(ctx, "USDT", led.HolderID())
	if held != 0 {
		t.Fatalf("custody still holds %d of the payout asset", held)
	}
}

func TestService_FinalRedemptionSettlesPayouts(t *testing.T) {
	e := newEnv(t)
	led := e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 500)
	e.mint(t, "USDT", "payout", 200)
	e.armAndReach(t)
	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 200); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	e.now = led.MaturityTime
	got, err := e.svc.ClaimFinalTokens(ctx, "off-1", "alice")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got != 500 {
		t.Fatalf("redeemed %d, want 500", got)
	}
	usdt, _ := e.balances.Balance(ctx, "USDT", "alice")
	if usdt != 200 {
		t.Fatalf("alice settled payout %d, want 200", usdt)
	}
}

func TestService_FinalRedemption(t *testing.T) {
	e := newEnv(t)
	led := e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 750)

	if _, err := e.svc.ClaimFinalTokens(ctx, "off-1", "alice"); !errors.Is(err, ErrBeforeMaturity) {
		t.Fatalf("expected before maturity, got %v", err)
	}

	e.now = led.MaturityTime
	got, err := e.svc.ClaimFinalTokens(ctx, "off-1", "alice")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got != 750 {
		t.Fatalf("redeemed %d, want 750", got)
	}
	bal, _ := e.balances.Balance(ctx, "TOKEN", "alice")
	if bal != 750 {
		t.Fatalf("alice balance %d, want 750", bal)
	}

	if _, err := e.svc.ClaimFinalTokens(ctx, "off-1", "alice"); !errors.Is(err, ErrAlreadyExited) {
		t.Fatalf("expected already exited, got %v", err)
	}
}

func TestService_Pause(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 100)
	e.mint(t, "USDT", "payout", 100)
	e.armAndReach(t)

	if err := e.svc.SetPaused(ctx, "alice", "off-1", true); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if err := e.svc.SetPaused(ctx, "admin", "off-1", true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 100); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused distribute, got %v", err)
	}
	if _, err := e.svc.ClaimAvailablePayouts(ctx, "off-1", "alice"); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused claim, got %v", err)
	}
	if _, err := e.svc.RegisterInvestment(ctx, "off-1", "alice", 10, 10, "issuer"); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected paused register, got %v", err)
	}

	if err := e.svc.SetPaused(ctx, "admin", "off-1", false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 100); err != nil {
		t.Fatalf("distribute after unpause: %v", err)
	}
}

func TestService_ScheduledAccrual(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// A one-year payout period makes the estimate exactly APR x normalized.
	if _, err := e.svc.CreateLedger(ctx, domain.Ledger{
		OfferingID:     "off-1",
		SaleAsset:      "TOKEN",
		PayoutAsset:    "USDT",
		PayoutPeriod:   365 * 24 * time.Hour,
		APRBasisPoints: 1_000,
		MaturityTime:   testStart.Add(2 * 365 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	e.register(t, "alice", 10_000)

	got, err := e.svc.ScheduledAccrual(ctx, "off-1")
	if err != nil {
		t.Fatalf("accrual: %v", err)
	}
	if got != 1_000 {
		t.Fatalf("accrual %d, want 1000 (10%% of 10000)", got)
	}
}

func TestService_DistributionAndClaimRecordMetrics(t *testing.T) {
	e := newEnv(t)
	e.createLedger(t)
	ctx := context.Background()

	e.register(t, "alice", 100)
	e.mint(t, "USDT", "payout", 100)
	e.armAndReach(t)

	if _, err := e.svc.Distribute(ctx, "payout", "off-1", 100); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := e.svc.ClaimAvailablePayouts(ctx, "off-1", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	for _, name := range []string{
		"offering_layer_positions_distributions_total",
		"offering_layer_positions_claim_duration_seconds",
	} {
		n, err := testutil.GatherAndCount(metrics.Registry, name)
		if err != nil {
			t.Fatalf("gather %s: %v", name, err)
		}
		if n == 0 {
			t.Fatalf("no series recorded for %s", name)
		}
	}
}
