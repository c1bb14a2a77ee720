// Package offering implements the fixed-window fundraising state machine.
// It owns the campaign lifecycle (open, capped, finalized, cancelled),
// normalizes multi-asset contributions through price feeds, routes raised
// value into escrow, and settles sale-asset claims after finalization.
package offering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/raisefi/offering_layer/internal/app/domain/offering"
	positiondomain "github.com/raisefi/offering_layer/internal/app/domain/position"
	"github.com/raisefi/offering_layer/internal/app/events"
	"github.com/raisefi/offering_layer/internal/app/metrics"
	escrowsvc "github.com/raisefi/offering_layer/internal/app/services/escrow"
	ledgersvc "github.com/raisefi/offering_layer/internal/app/services/ledger"
	pricefeedsvc "github.com/raisefi/offering_layer/internal/app/services/pricefeed"
	"github.com/raisefi/offering_layer/internal/app/storage"
	"github.com/raisefi/offering_layer/pkg/logger"
)

var (
	// ErrNotOpen is returned when investing outside the sale window.
	ErrNotOpen = errors.New("sale window not open")
	// ErrSaleClosed is returned once the cap closed the sale early.
	ErrSaleClosed = errors.New("sale closed")
	// ErrCancelled is returned for operations on a cancelled offering.
	ErrCancelled = errors.New("offering cancelled")
	// ErrNotFinalized is returned when claims are attempted before the
	// escrow released funds to the beneficiary.
	ErrNotFinalized = errors.New("offering not finalized")
	// ErrAlreadyFinalized is returned when a terminal transition races a
	// completed finalization.
	ErrAlreadyFinalized = errors.New("offering already finalized")
	// ErrAssetNotAllowed is returned for payment assets outside the
	// configured whitelist.
	ErrAssetNotAllowed = errors.New("payment asset not allowed")
	// ErrBelowMinimum is returned when a contribution's normalized value
	// falls under the configured minimum.
	ErrBelowMinimum = errors.New("below minimum investment")
	// ErrAboveMaximum is returned when an investor's cumulative normalized
	// value would exceed the per-investor maximum.
	ErrAboveMaximum = errors.New("above maximum investment")
	// ErrCapExceeded is returned when a contribution would push the raise
	// past the fundraising cap. Partial fills are never performed.
	ErrCapExceeded = errors.New("fundraising cap exceeded")
	// ErrNothingPending is returned when a claim finds no pending tokens.
	ErrNothingPending = errors.New("no pending tokens")
	// ErrNotAuthorized is returned when the caller lacks the required role.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrBeforeMaturity is returned when a direct claim is attempted before
	// the maturity date.
	ErrBeforeMaturity = errors.New("maturity not reached")
)

// PositionRegistrar is the position-ledger surface the offering service
// drives. Satisfied by the position service; an interface here keeps claim
// settlement testable in isolation.
type PositionRegistrar interface {
	CreateLedger(ctx context.Context, led positiondomain.Ledger) (positiondomain.Ledger, error)
	ArmFirstPayout(ctx context.Context, offeringID string, firstPayout time.Time) error
	RegisterInvestment(ctx context.Context, offeringID, investorID string, deposited, normalized int64, fromHolder string) (positiondomain.Position, error)
}

// Roles configures the identities allowed to drive offering operations.
type Roles struct {
	// Routers may submit investments on behalf of any investor. Investors
	// may always invest for themselves.
	Routers []string
}

// Service implements the offering state machine.
type Service struct {
	store     storage.OfferingStore
	balances  *ledgersvc.Service
	escrow    *escrowsvc.Service
	positions PositionRegistrar
	feeds     *pricefeedsvc.Service
	bus       *events.Bus
	log       *logger.Logger

	routers map[string]bool

	mu  sync.Mutex
	now func() time.Time
}

// New constructs an offering service. The service registers itself as the
// escrow's finalizer.
func New(store storage.OfferingStore, balances *ledgersvc.Service, escrow *escrowsvc.Service, positions PositionRegistrar, feeds *pricefeedsvc.Service, roles Roles, bus *events.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("offering")
	}
	s := &Service{
		store:     store,
		balances:  balances,
		escrow:    escrow,
		positions: positions,
		feeds:     feeds,
		bus:       bus,
		log:       log,
		routers:   roleSet(roles.Routers),
		now:       time.Now,
	}
	if escrow != nil {
		escrow.AttachFinalizer(s)
	}
	return s
}

func roleSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}

// WithClock overrides the time source. Used by tests to drive window and
// maturity transitions.
func (s *Service) WithClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Create validates and provisions a new offering: the campaign record, its
// escrow registration, the sale-asset inventory under the offering holder,
// and, for interest-enabled offerings, the position ledger.
func (s *Service) Create(ctx context.Context, off domain.Offering) (domain.Offering, error) {
	if err := validateConfig(off); err != nil {
		return domain.Offering{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	off.TotalRaised = 0
	off.SaleClosed = false
	off.Finalized = false
	off.Cancelled = false

	off, err := s.store.CreateOffering(ctx, off)
	if err != nil {
		return domain.Offering{}, err
	}

	if _, err := s.escrow.Register(ctx, off.ID, off.Beneficiary); err != nil {
		return domain.Offering{}, err
	}

	// Inventory covers the maximum deliverable claim: every normalized unit
	// raised converts at the unit price, so floor(cap/price) bounds the sum
	// of per-investor floors.
	inventory := int64(float64(off.FundraisingCap) / off.UnitPrice)
	if inventory > 0 {
		if err := s.balances.Mint(ctx, off.SaleAsset, off.HolderID(), inventory, "offering inventory "+off.ID); err != nil {
			return domain.Offering{}, err
		}
	}

	if off.InterestEnabled {
		if _, err := s.positions.CreateLedger(ctx, positiondomain.Ledger{
			OfferingID:     off.ID,
			SaleAsset:      off.SaleAsset,
			PayoutAsset:    off.PayoutAsset,
			PayoutPeriod:   off.PayoutPeriod,
			APRBasisPoints: off.APRBasisPoints,
			MaturityTime:   off.MaturityTime,
		}); err != nil {
			return domain.Offering{}, err
		}
	}

	s.log.WithField("offering_id", off.ID).
		WithField("name", off.Name).
		WithField("cap", off.FundraisingCap).
		WithField("interest", off.InterestEnabled).
		Info("offering created")
	return off, nil
}

func validateConfig(off domain.Offering) error {
	if strings.TrimSpace(off.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(off.SaleAsset) == "" {
		return fmt.Errorf("sale_asset is required")
	}
	if strings.TrimSpace(off.Beneficiary) == "" {
		return fmt.Errorf("beneficiary is required")
	}
	if len(off.PaymentAssets) == 0 {
		return fmt.Errorf("at least one payment asset is required")
	}
	for _, p := range off.PaymentAssets {
		if strings.TrimSpace(p.Asset) == "" || strings.TrimSpace(p.FeedID) == "" {
			return fmt.Errorf("payment assets need both asset and feed_id")
		}
	}
	if !off.StartTime.Before(off.EndTime) {
		return fmt.Errorf("start_time must precede end_time")
	}
	if off.MaturityTime.Before(off.EndTime) {
		return fmt.Errorf("maturity_time cannot precede end_time")
	}
	if off.UnitPrice <= 0 {
		return fmt.Errorf("unit_price must be positive")
	}
	if off.FundraisingCap <= 0 {
		return fmt.Errorf("fundraising_cap must be positive")
	}
	if off.SoftCap < 0 || off.SoftCap > off.FundraisingCap {
		return fmt.Errorf("soft_cap must lie within [0, fundraising_cap]")
	}
	if off.MinInvestment < 0 {
		return fmt.Errorf("min_investment cannot be negative")
	}
	if off.MaxInvestment > 0 && off.MaxInvestment < off.MinInvestment {
		return fmt.Errorf("max_investment cannot be below min_investment")
	}
	if off.InterestEnabled {
		if off.PayoutPeriod <= 0 {
			return fmt.Errorf("payout_period must be positive for interest offerings")
		}
		if strings.TrimSpace(off.PayoutAsset) == "" {
			return fmt.Errorf("payout_asset is required for interest offerings")
		}
		if off.APRBasisPoints < 0 {
			return fmt.Errorf("apr_bps cannot be negative")
		}
	}
	return nil
}

// Invest records a contribution. The payment amount is normalized through
// the asset's price feed, checked against the window, per-investor bounds,
// and the cap, then moved into escrow. A contribution that would cross the
// cap is rejected whole; the caller may retry with a smaller amount.
func (s *Service) Invest(ctx context.Context, actor, offeringID, investorID, asset string, amount int64) (domain.Investment, error) {
	inv, normalized, err := s.invest(ctx, actor, offeringID, investorID, asset, amount)
	if err != nil {
		metrics.RecordInvestment("rejected", offeringID, 0)
		return domain.Investment{}, err
	}
	metrics.RecordInvestment("accepted", offeringID, normalized)
	return inv, nil
}

func (s *Service) invest(ctx context.Context, actor, offeringID, investorID, asset string, amount int64) (domain.Investment, int64, error) {
	actor = strings.TrimSpace(actor)
	if actor != investorID && !s.routers[actor] {
		return domain.Investment{}, 0, fmt.Errorf("%w: %s may not invest for %s", ErrNotAuthorized, actor, investorID)
	}
	if amount <= 0 {
		return domain.Investment{}, 0, fmt.Errorf("amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	off, err := s.store.GetOffering(ctx, offeringID)
	if err != nil {
		return domain.Investment{}, 0, err
	}
	if off.Cancelled {
		return domain.Investment{}, 0, fmt.Errorf("%w: offering %s", ErrCancelled, offeringID)
	}
	if off.Finalized {
		return domain.Investment{}, 0, fmt.Errorf("%w: offering %s", ErrAlreadyFinalized, offeringID)
	}
	if off.SaleClosed {
		return domain.Investment{}, 0, fmt.Errorf("%w: offering %s reached its cap", ErrSaleClosed, offeringID)
	}
	if !off.Open(s.now()) {
		return domain.Investment{}, 0, fmt.Errorf("%w: offering %s", ErrNotOpen, offeringID)
	}

	feedID, ok := off.PaymentFeed(asset)
	if !ok {
		return domain.Investment{}, 0, fmt.Errorf("%w: %s is not accepted by offering %s", ErrAssetNotAllowed, asset, offeringID)
	}
	price, err := s.feeds.Quote(ctx, feedID)
	if err != nil {
		return domain.Investment{}, 0, err
	}

	normalized := int64(float64(amount) * price)
	if normalized <= 0 {
		return domain.Investment{}, 0, fmt.Errorf("%w: %d %s normalizes to zero", ErrBelowMinimum, amount, asset)
	}
	if normalized < off.MinInvestment {
		return domain.Investment{}, 0, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, normalized, off.MinInvestment)
	}

	inv, err := s.store.GetInvestment(ctx, offeringID, investorID)
	if err != nil {
		inv = domain.Investment{OfferingID: offeringID, InvestorID: investorID}
	}
	if off.MaxInvestment > 0 && inv.Invested+normalized > off.MaxInvestment {
		return domain.Investment{}, 0, fmt.Errorf("%w: %d + %d > %d", ErrAboveMaximum, inv.Invested, normalized, off.MaxInvestment)
	}
	if off.TotalRaised+normalized > off.FundraisingCap {
		return domain.Investment{}, 0, fmt.Errorf("%w: %d + %d > %d", ErrCapExceeded, off.TotalRaised, normalized, off.FundraisingCap)
	}

	// Value moves into escrow before any raise bookkeeping so a ledger
	// failure leaves the offering untouched.
	if err := s.escrow.Deposit(ctx, offeringID, investorID, asset, amount); err != nil {
		return domain.Investment{}, 0, err
	}

	tokens := int64(float64(normalized) / off.UnitPrice)

	inv.Invested += normalized
	inv.PendingTokens += tokens
	if inv, err = s.store.PutInvestment(ctx, inv); err != nil {
		return domain.Investment{}, 0, err
	}

	off.TotalRaised += normalized
	capReached := off.TotalRaised >= off.FundraisingCap
	if capReached {
		off.SaleClosed = true
	}
	if _, err := s.store.UpdateOffering(ctx, off); err != nil {
		return domain.Investment{}, 0, err
	}

	s.bus.Publish(events.Event{
		Type:       events.TypeInvestmentRecorded,
		OfferingID: offeringID,
		Investor:   investorID,
		Asset:      asset,
		Amount:     normalized,
	})
	if capReached {
		s.bus.Publish(events.Event{
			Type:       events.TypeSaleCapReached,
			OfferingID: offeringID,
			Amount:     off.TotalRaised,
		})
	}
	s.log.WithField("offering_id", offeringID).
		WithField("investor", investorID).
		WithField("asset", asset).
		WithField("amount", amount).
		WithField("normalized", normalized).
		Info("investment recorded")
	return inv, normalized, nil
}

// OnEscrowFinalized flips the offering into the finalized state after the
// escrow released funds to the beneficiary, and arms the interest schedule
// one payout period out.
func (s *Service) OnEscrowFinalized(ctx context.Context, offeringID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off, err := s.store.GetOffering(ctx, offeringID)
	if err != nil {
		return err
	}
	if off.Cancelled {
		return fmt.Errorf("%w: offering %s", ErrCancelled, offeringID)
	}
	if off.Finalized {
		return fmt.Errorf("%w: offering %s", ErrAlreadyFinalized, offeringID)
	}

	off.Finalized = true
	off.SaleClosed = true
	if _, err := s.store.UpdateOffering(ctx, off); err != nil {
		return err
	}

	if off.InterestEnabled {
		if err := s.positions.ArmFirstPayout(ctx, offeringID, s.now().Add(off.PayoutPeriod)); err != nil {
			return err
		}
	}

	s.bus.Publish(events.Event{
		Type:       events.TypeOfferingFinalized,
		OfferingID: offeringID,
		Amount:     off.TotalRaised,
	})
	s.log.WithField("offering_id", offeringID).
		WithField("total_raised", off.TotalRaised).
		Info("offering finalized")
	return nil
}

// Cancel aborts the campaign and enables escrow refunds. Only the
// configured beneficiary may cancel, and never after finalization.
func (s *Service) Cancel(ctx context.Context, actor, offeringID string) (domain.Offering, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off, err := s.store.GetOffering(ctx, offeringID)
	if err != nil {
		return domain.Offering{}, err
	}
	if strings.TrimSpace(actor) != off.Beneficiary {
		return domain.Offering{}, fmt.Errorf("%w: only the beneficiary may cancel", ErrNotAuthorized)
	}
	if off.Finalized {
		return domain.Offering{}, fmt.Errorf("%w: offering %s", ErrAlreadyFinalized, offeringID)
	}
	if off.Cancelled {
		return domain.Offering{}, fmt.Errorf("%w: offering %s", ErrCancelled, offeringID)
	}

	off.Cancelled = true
	off.SaleClosed = true
	if off, err = s.store.UpdateOffering(ctx, off); err != nil {
		return domain.Offering{}, err
	}

	if _, err := s.escrow.EnableRefunds(ctx, offeringID); err != nil {
		return domain.Offering{}, err
	}

	s.bus.Publish(events.Event{
		Type:       events.TypeOfferingCancelled,
		OfferingID: offeringID,
	})
	s.log.WithField("offering_id", offeringID).Warn("offering cancelled")
	return off, nil
}

// ClaimTokens settles an investor's pending sale-asset claim. For plain
// offerings the tokens transfer directly once maturity passes. For
// interest-enabled offerings the claim registers the tokens into the
// position ledger immediately, exactly once; pending is zeroed either way
// before value moves.
func (s *Service) ClaimTokens(ctx context.Context, offeringID, investorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off, err := s.store.GetOffering(ctx, offeringID)
	if err != nil {
		return 0, err
	}
	if off.Cancelled {
		return 0, fmt.Errorf("%w: offering %s", ErrCancelled, offeringID)
	}
	if !off.Finalized {
		return 0, fmt.Errorf("%w: offering %s", ErrNotFinalized, offeringID)
	}

	inv, err := s.store.GetInvestment(ctx, offeringID, investorID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNothingPending, err)
	}
	if inv.PendingTokens == 0 {
		return 0, fmt.Errorf("%w: %s has no claim on offering %s", ErrNothingPending, investorID, offeringID)
	}

	tokens := inv.PendingTokens

	if off.InterestEnabled {
		// Registration pulls the tokens from the offering holder into the
		// position custodian; zero pending only after that move succeeds.
		if _, err := s.positions.RegisterInvestment(ctx, offeringID, investorID, tokens, inv.Invested, off.HolderID()); err != nil {
			return 0, err
		}
		inv.PendingTokens = 0
		if _, err := s.store.PutInvestment(ctx, inv); err != nil {
			return 0, err
		}
		s.log.WithField("offering_id", offeringID).
			WithField("investor", investorID).
			WithField("tokens", tokens).
			Info("claim registered into position ledger")
		return tokens, nil
	}

	if s.now().Before(off.MaturityTime) {
		return 0, fmt.Errorf("%w: matures at %s", ErrBeforeMaturity, off.MaturityTime.Format(time.RFC3339))
	}

	inv.PendingTokens = 0
	if _, err := s.store.PutInvestment(ctx, inv); err != nil {
		return 0, err
	}
	if err := s.balances.Transfer(ctx, off.SaleAsset, off.HolderID(), investorID, tokens, "token claim "+offeringID); err != nil {
		return 0, err
	}

	s.log.WithField("offering_id", offeringID).
		WithField("investor", investorID).
		WithField("tokens", tokens).
		Info("tokens claimed")
	return tokens, nil
}

// Get returns one offering.
func (s *Service) Get(ctx context.Context, offeringID string) (domain.Offering, error) {
	return s.store.GetOffering(ctx, offeringID)
}

// List returns all offerings.
func (s *Service) List(ctx context.Context) ([]domain.Offering, error) {
	return s.store.ListOfferings(ctx)
}

// GetInvestment returns one investor's cumulative stake.
func (s *Service) GetInvestment(ctx context.Context, offeringID, investorID string) (domain.Investment, error) {
	return s.store.GetInvestment(ctx, offeringID, investorID)
}

// Stats summarises an offering's raise progress.
func (s *Service) Stats(ctx context.Context, offeringID string) (domain.Stats, error) {
	off, err := s.store.GetOffering(ctx, offeringID)
	if err != nil {
		return domain.Stats{}, err
	}
	invs, err := s.store.ListInvestments(ctx, offeringID)
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.Stats{
		OfferingID:     off.ID,
		TotalRaised:    off.TotalRaised,
		FundraisingCap: off.FundraisingCap,
		SoftCap:        off.SoftCap,
		SoftCapReached: off.SoftCap > 0 && off.TotalRaised >= off.SoftCap,
		Investors:      len(invs),
		SaleClosed:     off.SaleClosed,
		Finalized:      off.Finalized,
		Cancelled:      off.Cancelled,
	}, nil
}
