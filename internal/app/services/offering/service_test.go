package offering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	domain "github.com/raisefi/offering_layer/internal/app/domain/offering"
	"github.com/raisefi/offering_layer/internal/app/metrics"
	escrowsvc "github.com/raisefi/offering_layer/internal/app/services/escrow"
	ledgersvc "github.com/raisefi/offering_layer/internal/app/services/ledger"
	positionsvc "github.com/raisefi/offering_layer/internal/app/services/position"
	pricefeedsvc "github.com/raisefi/offering_layer/internal/app/services/pricefeed"
	"github.com/raisefi/offering_layer/internal/app/storage/memory"
)

var testStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	offerings *Service
	positions *positionsvc.Service
	escrow    *escrowsvc.Service
	balances  *ledgersvc.Service
	feeds     *pricefeedsvc.Service
	feedID    string
	now       time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	e := &env{now: testStart}

	e.balances = ledgersvc.New(store, nil)
	e.feeds = pricefeedsvc.New(store, nil)
	e.escrow = escrowsvc.New(store, e.balances, escrowsvc.Roles{
		Treasury: []string{"treasury"},
	}, nil, nil)
	e.positions = positionsvc.New(store, e.balances, positionsvc.Roles{
		Admins:       []string{"admin"},
		PayoutAdmins: []string{"treasury"},
	}, nil, nil)
	e.offerings = New(store, e.balances, e.escrow, e.positions, e.feeds, Roles{
		Routers: []string{"router"},
	}, nil, nil)

	clock := func() time.Time { return e.now }
	e.offerings.WithClock(clock)
	e.positions.WithClock(clock)

	ctx := context.Background()
	feed, err := e.feeds.CreateFeed(ctx, "USDT", "USD", "", "", 1.0)
	if err != nil {
		t.Fatalf("create feed: %v", err)
	}
	if _, err := e.feeds.RecordSnapshot(ctx, feed.ID, 1.0, "test", e.now); err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	e.feedID = feed.ID
	return e
}

func (e *env) baseOffering() domain.Offering {
	return domain.Offering{
		Name:           "Series A",
		SaleAsset:      "TOKEN",
		PaymentAssets:  []domain.PaymentAsset{{Asset: "USDT", FeedID: e.feedID}},
		StartTime:      testStart.Add(-time.Hour),
		EndTime:        testStart.Add(24 * time.Hour),
		MaturityTime:   testStart.Add(48 * time.Hour),
		UnitPrice:      1.0,
		FundraisingCap: 1_000,
		Beneficiary:    "founder",
	}
}

func (e *env) mint(t *testing.T, asset, holder string, amount int64) {
	t.Helper()
	if err := e.balances.Mint(context.Background(), asset, holder, amount, "seed"); err != nil {
		t.Fatalf("mint %s for %s: %v", asset, holder, err)
	}
}

func TestService_CreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.Offering)
	}{
		{"missing name", func(o *domain.Offering) { o.Name = "" }},
		{"missing sale asset", func(o *domain.Offering) { o.SaleAsset = "" }},
		{"missing beneficiary", func(o *domain.Offering) { o.Beneficiary = "" }},
		{"no payment assets", func(o *domain.Offering) { o.PaymentAssets = nil }},
		{"window inverted", func(o *domain.Offering) { o.EndTime = o.StartTime }},
		{"maturity before end", func(o *domain.Offering) { o.MaturityTime = o.StartTime }},
		{"zero unit price", func(o *domain.Offering) { o.UnitPrice = 0 }},
		{"zero cap", func(o *domain.Offering) { o.FundraisingCap = 0 }},
		{"soft cap above cap", func(o *domain.Offering) { o.SoftCap = o.FundraisingCap + 1 }},
		{"max below min", func(o *domain.Offering) { o.MinInvestment = 100; o.MaxInvestment = 50 }},
		{"interest without period", func(o *domain.Offering) { o.InterestEnabled = true; o.PayoutAsset = "USDT" }},
	}
	for _, tc := range cases {
		off := e.baseOffering()
		tc.mutate(&off)
		if _, err := e.offerings.Create(ctx, off); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestService_CreateMintsInventory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off, err := e.offerings.Create(ctx, e.baseOffering())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inv, err := e.balances.Balance(ctx, "TOKEN", off.HolderID())
	if err != nil {
		t.Fatalf("inventory balance: %v", err)
	}
	if inv != 1_000 {
		t.Fatalf("inventory %d, want 1000", inv)
	}
}

func TestService_InvestCapRejectsWhole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off, err := e.offerings.Create(ctx, e.baseOffering())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 2_000)

	if _, err := e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 900); err != nil {
		t.Fatalf("first invest: %v", err)
	}

	// 900 raised; 200 more would cross the 1000 cap and must be rejected
	// whole, not partially filled.
	_, err = e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 200)
	if !errors.Is(err, ErrCapExceeded) {
		t.Fatalf("expected cap exceeded, got %v", err)
	}

	got, _ := e.offerings.Get(ctx, off.ID)
	if got.TotalRaised != 900 {
		t.Fatalf("raise moved on rejected contribution: %d", got.TotalRaised)
	}

	// A smaller retry that lands exactly on the cap closes the sale.
	if _, err := e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 100); err != nil {
		t.Fatalf("retry invest: %v", err)
	}
	got, _ = e.offerings.Get(ctx, off.ID)
	if !got.SaleClosed {
		t.Fatal("sale not closed at cap")
	}

	_, err = e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 1)
	if !errors.Is(err, ErrSaleClosed) {
		t.Fatalf("expected sale closed, got %v", err)
	}
}

func TestService_InvestWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off := e.baseOffering()
	off.StartTime = testStart.Add(time.Hour)
	off.EndTime = testStart.Add(2 * time.Hour)
	off.MaturityTime = testStart.Add(3 * time.Hour)
	created, err := e.offerings.Create(ctx, off)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 100)

	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "USDT", 50); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected not open before start, got %v", err)
	}

	e.now = testStart.Add(90 * time.Minute)
	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "USDT", 50); err != nil {
		t.Fatalf("invest inside window: %v", err)
	}

	e.now = testStart.Add(2 * time.Hour)
	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "USDT", 50); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected not open at end, got %v", err)
	}
}

func TestService_InvestBounds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off := e.baseOffering()
	off.MinInvestment = 100
	off.MaxInvestment = 300
	created, err := e.offerings.Create(ctx, off)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 1_000)

	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "USDT", 50); !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("expected below minimum, got %v", err)
	}
	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "USDT", 200); err != nil {
		t.Fatalf("invest: %v", err)
	}
	// Cumulative 200 + 200 crosses the per-investor maximum.
	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "USDT", 200); !errors.Is(err, ErrAboveMaximum) {
		t.Fatalf("expected above maximum, got %v", err)
	}
	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "ETH", 200); !errors.Is(err, ErrAssetNotAllowed) {
		t.Fatalf("expected asset not allowed, got %v", err)
	}
}

func TestService_InvestAuthorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off, err := e.offerings.Create(ctx, e.baseOffering())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 500)

	if _, err := e.offerings.Invest(ctx, "mallory", off.ID, "alice", "USDT", 100); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	// Routers may submit on any investor's behalf; funds still move from the
	// investor's balance.
	if _, err := e.offerings.Invest(ctx, "router", off.ID, "alice", "USDT", 100); err != nil {
		t.Fatalf("router invest: %v", err)
	}
	bal, _ := e.balances.Balance(ctx, "USDT", "alice")
	if bal != 400 {
		t.Fatalf("alice balance %d, want 400", bal)
	}
}

func TestService_FinalizeAndClaim(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off, err := e.offerings.Create(ctx, e.baseOffering())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 500)
	if _, err := e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 500); err != nil {
		t.Fatalf("invest: %v", err)
	}

	// Claims settle only after escrow release.
	if _, err := e.offerings.ClaimTokens(ctx, off.ID, "alice"); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("expected not finalized, got %v", err)
	}

	if _, err := e.escrow.FinalizeOffering(ctx, "treasury", off.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	benBal, _ := e.balances.Balance(ctx, "USDT", "founder")
	if benBal != 500 {
		t.Fatalf("beneficiary received %d, want 500", benBal)
	}
	got, _ := e.offerings.Get(ctx, off.ID)
	if !got.Finalized || !got.SaleClosed {
		t.Fatal("offering not flipped to finalized")
	}

	// Direct delivery waits for maturity.
	if _, err := e.offerings.ClaimTokens(ctx, off.ID, "alice"); !errors.Is(err, ErrBeforeMaturity) {
		t.Fatalf("expected before maturity, got %v", err)
	}

	e.now = got.MaturityTime
	tokens, err := e.offerings.ClaimTokens(ctx, off.ID, "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if tokens != 500 {
		t.Fatalf("claimed %d tokens, want 500", tokens)
	}
	bal, _ := e.balances.Balance(ctx, "TOKEN", "alice")
	if bal != 500 {
		t.Fatalf("alice token balance %d, want 500", bal)
	}

	if _, err := e.offerings.ClaimTokens(ctx, off.ID, "alice"); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected nothing pending on second claim, got %v", err)
	}
}

func TestService_CancelAndRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off, err := e.offerings.Create(ctx, e.baseOffering())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 300)
	if _, err := e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 300); err != nil {
		t.Fatalf("invest: %v", err)
	}

	if _, err := e.offerings.Cancel(ctx, "mallory", off.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if _, err := e.offerings.Cancel(ctx, "founder", off.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 1); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if _, err := e.offerings.ClaimTokens(ctx, off.ID, "alice"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancelled claim, got %v", err)
	}

	// Cancellation opened the refund path.
	amount, err := e.escrow.Refund(ctx, off.ID, "alice", "USDT")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if amount != 300 {
		t.Fatalf("refunded %d, want 300", amount)
	}
	bal, _ := e.balances.Balance(ctx, "USDT", "alice")
	if bal != 300 {
		t.Fatalf("alice balance %d after refund", bal)
	}

	// The terminal states exclude each other.
	if _, err := e.escrow.FinalizeOffering(ctx, "treasury", off.ID); !errors.Is(err, escrowsvc.ErrRefundsEnabled) {
		t.Fatalf("expected refunds enabled, got %v", err)
	}
}

func TestService_CancelAfterFinalize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off, err := e.offerings.Create(ctx, e.baseOffering())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.escrow.FinalizeOffering(ctx, "treasury", off.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := e.offerings.Cancel(ctx, "founder", off.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected already finalized, got %v", err)
	}
}

func TestService_InterestClaimRegistersPosition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off := e.baseOffering()
	off.InterestEnabled = true
	off.PayoutPeriod = 24 * time.Hour
	off.PayoutAsset = "USDT"
	off.APRBasisPoints = 1_000
	created, err := e.offerings.Create(ctx, off)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 500)
	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "USDT", 500); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if _, err := e.escrow.FinalizeOffering(ctx, "treasury", created.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	led, err := e.positions.GetLedger(ctx, created.ID)
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	want := e.now.Add(24 * time.Hour)
	if !led.FirstPayoutDate.Equal(want) {
		t.Fatalf("first payout %v, want %v", led.FirstPayoutDate, want)
	}

	// Interest claims register into the position ledger immediately, before
	// maturity; the tokens move into the position custodian.
	tokens, err := e.offerings.ClaimTokens(ctx, created.ID, "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if tokens != 500 {
		t.Fatalf("claimed %d tokens, want 500", tokens)
	}
	pos, err := e.positions.GetPosition(ctx, created.ID, "alice")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Deposited != 500 {
		t.Fatalf("position deposited %d, want 500", pos.Deposited)
	}
	held, _ := e.balances.Balance(ctx, "TOKEN", led.HolderID())
	if held != 500 {
		t.Fatalf("position custody holds %d, want 500", held)
	}

	if _, err := e.offerings.ClaimTokens(ctx, created.ID, "alice"); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected nothing pending on second claim, got %v", err)
	}
}

func TestService_Stats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off := e.baseOffering()
	off.SoftCap = 200
	created, err := e.offerings.Create(ctx, off)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 150)
	e.mint(t, "USDT", "bob", 150)
	if _, err := e.offerings.Invest(ctx, "alice", created.ID, "alice", "USDT", 150); err != nil {
		t.Fatalf("invest alice: %v", err)
	}

	stats, err := e.offerings.Stats(ctx, created.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.SoftCapReached {
		t.Fatal("soft cap reported reached at 150/200")
	}

	if _, err := e.offerings.Invest(ctx, "bob", created.ID, "bob", "USDT", 150); err != nil {
		t.Fatalf("invest bob: %v", err)
	}
	stats, err = e.offerings.Stats(ctx, created.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !stats.SoftCapReached || stats.Investors != 2 || stats.TotalRaised != 300 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// Conservation: at every stage the payment asset total across investor,
// escrow and beneficiary equals the minted supply.
func TestService_PaymentAssetConservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off, err := e.offerings.Create(ctx, e.baseOffering())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 1_000)

	sum := func() int64 {
		var total int64
		for _, holder := range []string{"alice", "founder", "escrow:" + off.ID} {
			bal, _ := e.balances.Balance(ctx, "USDT", holder)
			total += bal
		}
		return total
	}

	if _, err := e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 700); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if got := sum(); got != 1_000 {
		t.Fatalf("supply after invest: %d", got)
	}
	if _, err := e.escrow.FinalizeOffering(ctx, "treasury", off.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := sum(); got != 1_000 {
		t.Fatalf("supply after finalize: %d", got)
	}
}

func TestService_InvestRecordsMetrics(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	off, err := e.offerings.Create(ctx, e.baseOffering())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.mint(t, "USDT", "alice", 1_000)

	if _, err := e.offerings.Invest(ctx, "alice", off.ID, "alice", "USDT", 400); err != nil {
		t.Fatalf("invest: %v", err)
	}
	if _, err := e.offerings.Invest(ctx, "alice", off.ID, "alice", "BTC", 1); !errors.Is(err, ErrAssetNotAllowed) {
		t.Fatalf("expected asset rejection, got %v", err)
	}

	for name, min := range map[string]int{
		"offering_layer_offerings_investments_total":  2,
		"offering_layer_offerings_raised_value_total": 1,
	} {
		n, err := testutil.GatherAndCount(metrics.Registry, name)
		if err != nil {
			t.Fatalf("gather %s: %v", name, err)
		}
		if n < min {
			t.Fatalf("%s has %d series, want at least %d", name, n, min)
		}
	}
}
