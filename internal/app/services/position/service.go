// Package position implements the interest-bearing position ledger: it
// custodies deposited sale assets, distributes periodic payouts
// proportionally, and settles early exits and final redemptions.
//
// Positions are intentionally non-transferable: the ledger exposes no
// transfer operation, only registration and the two terminal exits.
package position

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/raisefi/offering_layer/internal/app/domain/position"
	"github.com/raisefi/offering_layer/internal/app/events"
	"github.com/raisefi/offering_layer/internal/app/metrics"
	ledgersvc "github.com/raisefi/offering_layer/internal/app/services/ledger"
	"github.com/raisefi/offering_layer/internal/app/storage"
	"github.com/raisefi/offering_layer/pkg/logger"
)

var (
	// ErrNotAuthorized is returned when the caller lacks the required role.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrPaused is returned while the ledger is administratively paused.
	ErrPaused = errors.New("ledger paused")
	// ErrNotArmed is returned when distribution is attempted before the
	// first payout date is set and reached.
	ErrNotArmed = errors.New("first payout date not reached")
	// ErrAlreadyArmed is returned when arming an already armed ledger.
	ErrAlreadyArmed = errors.New("first payout date already set")
	// ErrNothingToClaim is returned when no unclaimed periods remain.
	ErrNothingToClaim = errors.New("nothing to claim")
	// ErrNoDeposit is returned when an exit finds an empty position.
	ErrNoDeposit = errors.New("no deposit")
	// ErrAlreadyExited is returned when a closed position is exited again.
	ErrAlreadyExited = errors.New("position already exited")
	// ErrUnlockDisabled is returned when emergency unlock is not enabled.
	ErrUnlockDisabled = errors.New("emergency unlock disabled")
	// ErrPenaltyTooHigh is returned when the penalty exceeds the 50% bound.
	ErrPenaltyTooHigh = errors.New("penalty above ceiling")
	// ErrBeforeMaturity is returned when final redemption is attempted
	// before the maturity date.
	ErrBeforeMaturity = errors.New("maturity not reached")
)

const (
	bpsDenominator = 10_000
	maxPenaltyBps  = 5_000
	secondsPerYear = 365 * 24 * 60 * 60
)

// Roles configures the identities allowed to administer position ledgers.
type Roles struct {
	// Admins may pause ledgers and configure emergency unlock.
	Admins []string
	// PayoutAdmins may distribute interest periods.
	PayoutAdmins []string
}

// Service manages position ledgers.
type Service struct {
	store    storage.PositionStore
	balances *ledgersvc.Service
	bus      *events.Bus
	log      *logger.Logger

	admins       map[string]bool
	payoutAdmins map[string]bool

	mu  sync.Mutex
	now func() time.Time
}

// New constructs a position ledger service.
func New(store storage.PositionStore, balances *ledgersvc.Service, roles Roles, bus *events.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("position")
	}
	return &Service{
		store:        store,
		balances:     balances,
		bus:          bus,
		log:          log,
		admins:       roleSet(roles.Admins),
		payoutAdmins: roleSet(roles.PayoutAdmins),
		now:          time.Now,
	}
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

// WithClock overrides the time source. Used by tests to drive time-gated
// transitions.
func (s *Service) WithClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// CreateLedger provisions the per-offering holding state. Called by the
// offering builder for interest-enabled offerings.
func (s *Service) CreateLedger(ctx context.Context, led domain.Ledger) (domain.Ledger, error) {
	if strings.TrimSpace(led.OfferingID) == "" {
		return domain.Ledger{}, fmt.Errorf("offering_id is required")
	}
	if strings.TrimSpace(led.SaleAsset) == "" || strings.TrimSpace(led.PayoutAsset) == "" {
		return domain.Ledger{}, fmt.Errorf("sale_asset and payout_asset are required")
	}
	if led.PayoutPeriod <= 0 {
		return domain.Ledger{}, fmt.Errorf("payout_period must be positive")
	}
	if led.APRBasisPoints < 0 {
		return domain.Ledger{}, fmt.Errorf("apr_bps cannot be negative")
	}
	if led.MaturityTime.IsZero() {
		return domain.Ledger{}, fmt.Errorf("maturity_time is required")
	}

	led.FirstPayoutDate = time.Time{}
	led.CurrentPeriod = 0
	led.TotalEscrowed = 0
	led.TotalNormalized = 0

	led, err := s.store.CreateLedger(ctx, led)
	if err != nil {
		return domain.Ledger{}, err
	}
	s.log.WithField("offering_id", led.OfferingID).
		WithField("payout_period", led.PayoutPeriod.String()).
		WithField("apr_bps", led.APRBasisPoints).
		Info("position ledger created")
	return led, nil
}

// ArmFirstPayout sets the first payout date once, at offering finalization.
func (s *Service) ArmFirstPayout(ctx context.Context, offeringID string, firstPayout time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return err
	}
	if !led.FirstPayoutDate.IsZero() {
		return fmt.Errorf("%w: offering %s", ErrAlreadyArmed, offeringID)
	}

	led.FirstPayoutDate = firstPayout.UTC()
	if _, err := s.store.UpdateLedger(ctx, led); err != nil {
		return err
	}
	s.log.WithField("offering_id", offeringID).
		WithField("first_payout", led.FirstPayoutDate).
		Info("interest schedule armed")
	return nil
}

// RegisterInvestment adds to an investor's position and pulls the deposited
// sale-asset amount into custody from the given holder. Only the owning
// offering service calls this; it is not exposed on the HTTP surface.
// Repeated registration accumulates.
func (s *Service) RegisterInvestment(ctx context.Context, offeringID, investorID string, deposited, normalized int64, fromHolder string) (domain.Position, error) {
	if deposited <= 0 || normalized <= 0 {
		return domain.Position{}, fmt.Errorf("deposited and normalized amounts must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return domain.Position{}, err
	}
	if led.Paused {
		return domain.Position{}, fmt.Errorf("%w: offering %s", ErrPaused, offeringID)
	}

	pos, err := s.store.GetPosition(ctx, offeringID, investorID)
	if err != nil {
		pos = domain.Position{
			OfferingID:        offeringID,
			InvestorID:        investorID,
			LastClaimedPeriod: led.CurrentPeriod,
		}
	}
	if pos.Exited() {
		return domain.Position{}, fmt.Errorf("%w: %s cannot re-enter offering %s", ErrAlreadyExited, investorID, offeringID)
	}

	// Custody transfer happens before bookkeeping so a resource failure
	// aborts with no state change.
	if err := s.balances.Transfer(ctx, led.SaleAsset, fromHolder, led.HolderID(), deposited, "position register "+offeringID); err != nil {
		return domain.Position{}, err
	}

	pos.Deposited += deposited
	pos.NormalizedValue += normalized
	if pos, err = s.store.PutPosition(ctx, pos); err != nil {
		return domain.Position{}, err
	}

	led.TotalEscrowed += deposited
	led.TotalNormalized += normalized
	if _, err := s.store.UpdateLedger(ctx, led); err != nil {
		return domain.Position{}, err
	}

	s.bus.Publish(events.Event{
		Type:       events.TypePositionRegistered,
		OfferingID: offeringID,
		Investor:   investorID,
		Asset:      led.SaleAsset,
		Amount:     deposited,
	})
	s.log.WithField("offering_id", offeringID).
		WithField("investor", investorID).
		WithField("deposited", deposited).
		WithField("normalized", normalized).
		Info("position registered")
	return pos, nil
}

// ScheduledAccrual returns the informative per-period interest estimate:
// totalNormalized x APR scaled to one payout period. The payout admin may
// distribute any positive amount regardless of this figure.
func (s *Service) ScheduledAccrual(ctx context.Context, offeringID string) (int64, error) {
	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return 0, err
	}
	periodSeconds := int64(led.PayoutPeriod / time.Second)
	return led.TotalNormalized * led.APRBasisPoints * periodSeconds / secondsPerYear / bpsDenominator, nil
}

// Distribute opens the next interest period with the given funds amount,
// pulled from the payout admin's balance into custody. The period records a
// snapshot of the total normalized value live right now; that snapshot is
// the denominator for every share of this period, no matter when claimed.
func (s *Service) Distribute(ctx context.Context, actor, offeringID string, funds int64) (domain.Period, error) {
	if !s.payoutAdmins[strings.TrimSpace(actor)] {
		return domain.Period{}, fmt.Errorf("%w: %s lacks the payout-admin role", ErrNotAuthorized, actor)
	}
	if funds <= 0 {
		return domain.Period{}, fmt.Errorf("funds amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return domain.Period{}, err
	}
	if led.Paused {
		return domain.Period{}, fmt.Errorf("%w: offering %s", ErrPaused, offeringID)
	}
	if !led.Armed(s.now()) {
		return domain.Period{}, fmt.Errorf("%w: offering %s", ErrNotArmed, offeringID)
	}

	if err := s.balances.Transfer(ctx, led.PayoutAsset, actor, led.HolderID(), funds, fmt.Sprintf("period %d distribution %s", led.CurrentPeriod+1, offeringID)); err != nil {
		return domain.Period{}, err
	}

	per := domain.Period{
		OfferingID:         offeringID,
		Index:              led.CurrentPeriod + 1,
		Funds:              funds,
		NormalizedSnapshot: led.TotalNormalized,
		DistributedAt:      s.now().UTC(),
	}
	per, err = s.store.CreatePeriod(ctx, per)
	if err != nil {
		return domain.Period{}, err
	}

	led.CurrentPeriod = per.Index
	if _, err := s.store.UpdateLedger(ctx, led); err != nil {
		return domain.Period{}, err
	}

	metrics.RecordDistribution(offeringID)
	s.bus.Publish(events.Event{
		Type:       events.TypePeriodDistributed,
		OfferingID: offeringID,
		Asset:      led.PayoutAsset,
		Amount:     funds,
		Period:     per.Index,
	})
	s.log.WithField("offering_id", offeringID).
		WithField("period", per.Index).
		WithField("funds", funds).
		WithField("snapshot", per.NormalizedSnapshot).
		Info("period distributed")
	return per, nil
}

// ClaimAvailablePayouts pays out an investor's share of every period since
// their last claim. Bookkeeping commits before the transfer out, so a
// recursive call sees lastClaimedPeriod already advanced.
func (s *Service) ClaimAvailablePayouts(ctx context.Context, offeringID, investorID string) (int64, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return 0, err
	}
	if led.Paused {
		return 0, fmt.Errorf("%w: offering %s", ErrPaused, offeringID)
	}

	pos, err := s.store.GetPosition(ctx, offeringID, investorID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNothingToClaim, err)
	}
	if pos.Exited() {
		return 0, fmt.Errorf("%w: position has exited", ErrNothingToClaim)
	}
	if pos.LastClaimedPeriod >= led.CurrentPeriod {
		return 0, fmt.Errorf("%w: already caught up to period %d", ErrNothingToClaim, led.CurrentPeriod)
	}

	total, err := s.unclaimedPayout(ctx, led, pos)
	if err != nil {
		return 0, err
	}

	pos.LastClaimedPeriod = led.CurrentPeriod
	if _, err := s.store.PutPosition(ctx, pos); err != nil {
		return 0, err
	}

	if total > 0 {
		if err := s.balances.Transfer(ctx, led.PayoutAsset, led.HolderID(), investorID, total, "payout claim "+offeringID); err != nil {
			return 0, err
		}
	}

	metrics.RecordPayoutClaim("settled", time.Since(start))
	s.bus.Publish(events.Event{
		Type:       events.TypePayoutClaimed,
		OfferingID: offeringID,
		Investor:   investorID,
		Asset:      led.PayoutAsset,
		Amount:     total,
		Period:     led.CurrentPeriod,
	})
	s.log.WithField("offering_id", offeringID).
		WithField("investor", investorID).
		WithField("amount", total).
		Info("payouts claimed")
	return total, nil
}

// unclaimedPayout sums the investor's shares of every period distributed
// since their last claim. Each share is fixed by its period's stored
// snapshot, so the figure is the same however late it is settled.
func (s *Service) unclaimedPayout(ctx context.Context, led domain.Ledger, pos domain.Position) (int64, error) {
	var total int64
	for idx := pos.LastClaimedPeriod + 1; idx <= led.CurrentPeriod; idx++ {
		per, err := s.store.GetPeriod(ctx, led.OfferingID, idx)
		if err != nil {
			return 0, err
		}
		if per.NormalizedSnapshot <= 0 {
			continue
		}
		total += per.Funds * pos.NormalizedValue / per.NormalizedSnapshot
	}
	return total, nil
}

// EnableEmergencyUnlock allows early exits at the given penalty rate.
// Admin role only; the penalty is capped at 5000 bps (50%).
func (s *Service) EnableEmergencyUnlock(ctx context.Context, actor, offeringID string, penaltyBps int64) error {
	if !s.admins[strings.TrimSpace(actor)] {
		return fmt.Errorf("%w: %s lacks the admin role", ErrNotAuthorized, actor)
	}
	if penaltyBps < 0 || penaltyBps > maxPenaltyBps {
		return fmt.Errorf("%w: %d bps (max %d)", ErrPenaltyTooHigh, penaltyBps, maxPenaltyBps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return err
	}
	led.UnlockEnabled = true
	led.PenaltyBasisPoints = penaltyBps
	if _, err := s.store.UpdateLedger(ctx, led); err != nil {
		return err
	}
	s.log.WithField("offering_id", offeringID).
		WithField("penalty_bps", penaltyBps).
		Info("emergency unlock enabled")
	return nil
}

// DisableEmergencyUnlock turns early exits off and zeroes the penalty.
func (s *Service) DisableEmergencyUnlock(ctx context.Context, actor, offeringID string) error {
	if !s.admins[strings.TrimSpace(actor)] {
		return fmt.Errorf("%w: %s lacks the admin role", ErrNotAuthorized, actor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return err
	}
	led.UnlockEnabled = false
	led.PenaltyBasisPoints = 0
	if _, err := s.store.UpdateLedger(ctx, led); err != nil {
		return err
	}
	s.log.WithField("offering_id", offeringID).Info("emergency unlock disabled")
	return nil
}

// EmergencyUnlock closes an active position early. The investor receives
// deposited minus the penalty plus their unclaimed shares of periods already
// distributed; the penalty applies to the deposit only and remains in
// custody. Global totals drop by the full deposited/normalized amounts, so
// periods distributed from now on exclude this investor via their snapshots.
func (s *Service) EmergencyUnlock(ctx context.Context, offeringID, investorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return 0, err
	}
	if led.Paused {
		return 0, fmt.Errorf("%w: offering %s", ErrPaused, offeringID)
	}
	if !led.UnlockEnabled {
		return 0, fmt.Errorf("%w: offering %s", ErrUnlockDisabled, offeringID)
	}

	pos, err := s.store.GetPosition(ctx, offeringID, investorID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoDeposit, err)
	}
	if pos.Exited() {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyExited, investorID)
	}
	if pos.Deposited == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoDeposit, investorID)
	}

	// Settle shares fixed by earlier distributions before the position
	// closes; those funds belong to the investor, not to custody.
	payout, err := s.unclaimedPayout(ctx, led, pos)
	if err != nil {
		return 0, err
	}

	deposited := pos.Deposited
	normalized := pos.NormalizedValue
	penalty := deposited * led.PenaltyBasisPoints / bpsDenominator
	returned := deposited - penalty

	pos.Deposited = 0
	pos.NormalizedValue = 0
	pos.LastClaimedPeriod = led.CurrentPeriod
	pos.EmergencyUnlocked = true
	if _, err := s.store.PutPosition(ctx, pos); err != nil {
		return 0, err
	}

	led.TotalEscrowed -= deposited
	led.TotalNormalized -= normalized
	if _, err := s.store.UpdateLedger(ctx, led); err != nil {
		return 0, err
	}

	if returned > 0 {
		if err := s.balances.Transfer(ctx, led.SaleAsset, led.HolderID(), investorID, returned, "emergency unlock "+offeringID); err != nil {
			return 0, err
		}
	}
	if payout > 0 {
		if err := s.balances.Transfer(ctx, led.PayoutAsset, led.HolderID(), investorID, payout, "payout settlement on unlock "+offeringID); err != nil {
			return 0, err
		}
		s.bus.Publish(events.Event{
			Type:       events.TypePayoutClaimed,
			OfferingID: offeringID,
			Investor:   investorID,
			Asset:      led.PayoutAsset,
			Amount:     payout,
			Period:     led.CurrentPeriod,
		})
	}

	s.bus.Publish(events.Event{
		Type:       events.TypeEmergencyUnlock,
		OfferingID: offeringID,
		Investor:   investorID,
		Asset:      led.SaleAsset,
		Amount:     returned,
	})
	s.log.WithField("offering_id", offeringID).
		WithField("investor", investorID).
		WithField("returned", returned).
		WithField("penalty", penalty).
		WithField("settled_payout", payout).
		Info("emergency unlock executed")
	return returned, nil
}

// ClaimFinalTokens redeems the full deposited amount at or after maturity
// and closes the position. Unclaimed shares of already-distributed periods
// are settled alongside the redemption.
func (s *Service) ClaimFinalTokens(ctx context.Context, offeringID, investorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return 0, err
	}
	if led.Paused {
		return 0, fmt.Errorf("%w: offering %s", ErrPaused, offeringID)
	}
	if s.now().Before(led.MaturityTime) {
		return 0, fmt.Errorf("%w: matures at %s", ErrBeforeMaturity, led.MaturityTime.Format(time.RFC3339))
	}

	pos, err := s.store.GetPosition(ctx, offeringID, investorID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoDeposit, err)
	}
	if pos.Exited() {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyExited, investorID)
	}
	if pos.Deposited == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoDeposit, investorID)
	}

	payout, err := s.unclaimedPayout(ctx, led, pos)
	if err != nil {
		return 0, err
	}

	deposited := pos.Deposited
	normalized := pos.NormalizedValue

	pos.Deposited = 0
	pos.NormalizedValue = 0
	pos.LastClaimedPeriod = led.CurrentPeriod
	pos.ClaimedFinal = true
	if _, err := s.store.PutPosition(ctx, pos); err != nil {
		return 0, err
	}

	led.TotalEscrowed -= deposited
	led.TotalNormalized -= normalized
	if _, err := s.store.UpdateLedger(ctx, led); err != nil {
		return 0, err
	}

	if err := s.balances.Transfer(ctx, led.SaleAsset, led.HolderID(), investorID, deposited, "final redemption "+offeringID); err != nil {
		return 0, err
	}
	if payout > 0 {
		if err := s.balances.Transfer(ctx, led.PayoutAsset, led.HolderID(), investorID, payout, "payout settlement at maturity "+offeringID); err != nil {
			return 0, err
		}
		s.bus.Publish(events.Event{
			Type:       events.TypePayoutClaimed,
			OfferingID: offeringID,
			Investor:   investorID,
			Asset:      led.PayoutAsset,
			Amount:     payout,
			Period:     led.CurrentPeriod,
		})
	}

	s.bus.Publish(events.Event{
		Type:       events.TypeFinalTokensClaimed,
		OfferingID: offeringID,
		Investor:   investorID,
		Asset:      led.SaleAsset,
		Amount:     deposited,
	})
	s.log.WithField("offering_id", offeringID).
		WithField("investor", investorID).
		WithField("amount", deposited).
		WithField("settled_payout", payout).
		Info("final tokens claimed")
	return deposited, nil
}

// SetPaused toggles the ledger's pause flag. Admin role only.
func (s *Service) SetPaused(ctx context.Context, actor, offeringID string, paused bool) error {
	if !s.admins[strings.TrimSpace(actor)] {
		return fmt.Errorf("%w: %s lacks the admin role", ErrNotAuthorized, actor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	led, err := s.store.GetLedger(ctx, offeringID)
	if err != nil {
		return err
	}
	if led.Paused == paused {
		return nil
	}
	led.Paused = paused
	if _, err := s.store.UpdateLedger(ctx, led); err != nil {
		return err
	}
	s.log.WithField("offering_id", offeringID).
		WithField("paused", paused).
		Info("ledger pause state changed")
	return nil
}

// GetLedger returns the ledger state for an offering.
func (s *Service) GetLedger(ctx context.Context, offeringID string) (domain.Ledger, error) {
	return s.store.GetLedger(ctx, offeringID)
}

// GetPosition returns one investor's position.
func (s *Service) GetPosition(ctx context.Context, offeringID, investorID string) (domain.Position, error) {
	return s.store.GetPosition(ctx, offeringID, investorID)
}

// ListLedgers returns every ledger. Used by the accrual scheduler.
func (s *Service) ListLedgers(ctx context.Context) ([]domain.Ledger, error) {
	return s.store.ListLedgers(ctx)
}
