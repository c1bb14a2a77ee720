// Package escrow custodies raised offering funds until exactly one of two
// terminal transitions happens: finalize (funds to the beneficiary) or
// refund-enable (funds returned per recorded deposit).
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	domain "github.com/raisefi/offering_layer/internal/app/domain/escrow"
	"github.com/raisefi/offering_layer/internal/app/events"
	"github.com/raisefi/offering_layer/internal/app/metrics"
	ledgersvc "github.com/raisefi/offering_layer/internal/app/services/ledger"
	"github.com/raisefi/offering_layer/internal/app/storage"
	"github.com/raisefi/offering_layer/pkg/logger"
)

var (
	// ErrAlreadyRegistered is returned when an offering registers twice.
	ErrAlreadyRegistered = errors.New("offering already registered")
	// ErrAlreadyFinalized is returned when a terminal operation races a
	// completed finalization.
	ErrAlreadyFinalized = errors.New("escrow already finalized")
	// ErrRefundsEnabled is returned when finalization is attempted after
	// refunds were enabled.
	ErrRefundsEnabled = errors.New("refunds already enabled")
	// ErrRefundsNotEnabled is returned when a refund is requested before
	// cancellation enabled refunds.
	ErrRefundsNotEnabled = errors.New("refunds not enabled")
	// ErrNoDeposit is returned when a refund finds no remaining deposit.
	ErrNoDeposit = errors.New("no deposit")
	// ErrNotAuthorized is returned when the caller lacks the required role.
	ErrNotAuthorized = errors.New("not authorized")
)

// Finalizer receives the finalize signal after escrowed funds are released.
// The offering service implements this to flip its own lifecycle flag and arm
// the interest schedule.
type Finalizer interface {
	OnEscrowFinalized(ctx context.Context, offeringID string) error
}

// Roles configures the identities allowed to drive escrow transitions.
type Roles struct {
	// Treasury identities may finalize offerings.
	Treasury []string
	// Owner identities may enable refunds directly.
	Owner []string
}

// Service implements the escrow custodian.
type Service struct {
	store    storage.EscrowStore
	balances *ledgersvc.Service
	bus      *events.Bus
	log      *logger.Logger

	treasury map[string]bool
	owner    map[string]bool

	mu        sync.Mutex
	finalizer Finalizer
}

// New constructs an escrow service.
func New(store storage.EscrowStore, balances *ledgersvc.Service, roles Roles, bus *events.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("escrow")
	}
	return &Service{
		store:    store,
		balances: balances,
		bus:      bus,
		log:      log,
		treasury: roleSet(roles.Treasury),
		owner:    roleSet(roles.Owner),
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

// AttachFinalizer wires the offering-side finalize hook. Call before
// FinalizeOffering is used.
func (s *Service) AttachFinalizer(f Finalizer) {
	s.mu.Lock()
	s.finalizer = f
	s.mu.Unlock()
}

// Register creates the one-time escrow association for an offering.
func (s *Service) Register(ctx context.Context, offeringID, beneficiary string) (domain.Record, error) {
	offeringID = strings.TrimSpace(offeringID)
	beneficiary = strings.TrimSpace(beneficiary)
	if offeringID == "" {
		return domain.Record{}, fmt.Errorf("offering_id is required")
	}
	if beneficiary == "" {
		return domain.Record{}, fmt.Errorf("beneficiary is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetEscrow(ctx, offeringID); err == nil {
		return domain.Record{}, fmt.Errorf("%w: offering %s", ErrAlreadyRegistered, offeringID)
	}

	rec, err := s.store.CreateEscrow(ctx, domain.Record{
		OfferingID:  offeringID,
		Beneficiary: beneficiary,
	})
	if err != nil {
		return domain.Record{}, err
	}
	s.log.WithField("offering_id", offeringID).
		WithField("beneficiary", beneficiary).
		Info("escrow registered")
	return rec, nil
}

// Deposit pulls a payment amount from the payer into escrow custody and
// records it against the investor so a cancellation can refund it. Called by
// the offering service during invest; the ledger transfer happening first
// means a resource failure aborts before any bookkeeping.
func (s *Service) Deposit(ctx context.Context, offeringID, investorID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetEscrow(ctx, offeringID)
	if err != nil {
		return err
	}
	if rec.Finalized {
		return fmt.Errorf("%w: offering %s", ErrAlreadyFinalized, offeringID)
	}
	if rec.RefundsEnabled {
		return fmt.Errorf("%w: offering %s no longer accepts deposits", ErrRefundsEnabled, offeringID)
	}

	if err := s.balances.Transfer(ctx, asset, investorID, rec.HolderID(), amount, "escrow deposit "+offeringID); err != nil {
		return err
	}

	dep, err := s.store.GetDeposit(ctx, offeringID, investorID, asset)
	if err != nil {
		dep = domain.Deposit{OfferingID: offeringID, InvestorID: investorID, Asset: asset}
	}
	dep.Amount += amount
	if _, err := s.store.PutDeposit(ctx, dep); err != nil {
		return err
	}
	return nil
}

// FinalizeOffering releases the full custodied balance to the beneficiary,
// marks the escrow finalized, and signals the offering. Treasury role only;
// mutually exclusive with refunds.
func (s *Service) FinalizeOffering(ctx context.Context, actor, offeringID string) (domain.Record, error) {
	if !s.treasury[strings.TrimSpace(actor)] {
		return domain.Record{}, fmt.Errorf("%w: %s lacks the treasury role", ErrNotAuthorized, actor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetEscrow(ctx, offeringID)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.Finalized {
		return domain.Record{}, fmt.Errorf("%w: offering %s", ErrAlreadyFinalized, offeringID)
	}
	if rec.RefundsEnabled {
		return domain.Record{}, fmt.Errorf("%w: offering %s was cancelled", ErrRefundsEnabled, offeringID)
	}

	rec.Finalized = true
	rec, err = s.store.UpdateEscrow(ctx, rec)
	if err != nil {
		return domain.Record{}, err
	}

	// Release every custodied asset. Totals come from the deposit records,
	// which mirror the holder's ledger balances exactly.
	totals := make(map[string]int64)
	deps, err := s.store.ListDeposits(ctx, offeringID)
	if err != nil {
		return domain.Record{}, err
	}
	for _, dep := range deps {
		totals[dep.Asset] += dep.Amount
	}
	for asset, total := range totals {
		if total == 0 {
			continue
		}
		if err := s.balances.Transfer(ctx, asset, rec.HolderID(), rec.Beneficiary, total, "escrow release "+offeringID); err != nil {
			return domain.Record{}, err
		}
	}

	s.mu.Unlock()
	finalizeErr := func() error {
		if s.finalizer == nil {
			return fmt.Errorf("no offering finalizer attached")
		}
		return s.finalizer.OnEscrowFinalized(ctx, offeringID)
	}()
	s.mu.Lock()
	if finalizeErr != nil {
		return domain.Record{}, finalizeErr
	}

	metrics.RecordEscrowRelease("finalized")
	s.log.WithField("offering_id", offeringID).
		WithField("beneficiary", rec.Beneficiary).
		Info("escrow finalized")
	return rec, nil
}

// EnableRefunds flips the refunds-enabled flag. Used internally by the
// offering service's cancellation path.
func (s *Service) EnableRefunds(ctx context.Context, offeringID string) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enableRefundsLocked(ctx, offeringID)
}

// EnableRefundsByOwner is the administrative variant of EnableRefunds,
// restricted to the owner role.
func (s *Service) EnableRefundsByOwner(ctx context.Context, actor, offeringID string) (domain.Record, error) {
	if !s.owner[strings.TrimSpace(actor)] {
		return domain.Record{}, fmt.Errorf("%w: %s lacks the owner role", ErrNotAuthorized, actor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enableRefundsLocked(ctx, offeringID)
}

func (s *Service) enableRefundsLocked(ctx context.Context, offeringID string) (domain.Record, error) {
	rec, err := s.store.GetEscrow(ctx, offeringID)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.Finalized {
		return domain.Record{}, fmt.Errorf("%w: funds already released for offering %s", ErrAlreadyFinalized, offeringID)
	}
	if rec.RefundsEnabled {
		return rec, nil
	}

	rec.RefundsEnabled = true
	rec, err = s.store.UpdateEscrow(ctx, rec)
	if err != nil {
		return domain.Record{}, err
	}
	metrics.RecordEscrowRelease("refunds_enabled")
	s.log.WithField("offering_id", offeringID).Info("escrow refunds enabled")
	return rec, nil
}

// Refund returns an investor's recorded contribution in one asset. The
// record is zeroed before the value moves, so a recursive call observes an
// empty deposit and aborts.
func (s *Service) Refund(ctx context.Context, offeringID, investorID, asset string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.store.GetEscrow(ctx, offeringID)
	if err != nil {
		return 0, err
	}
	if !rec.RefundsEnabled {
		return 0, fmt.Errorf("%w: offering %s", ErrRefundsNotEnabled, offeringID)
	}

	dep, err := s.store.GetDeposit(ctx, offeringID, investorID, asset)
	if err != nil || dep.Amount == 0 {
		return 0, fmt.Errorf("%w: %s has nothing to refund in %s", ErrNoDeposit, investorID, asset)
	}

	amount := dep.Amount
	dep.Amount = 0
	if _, err := s.store.PutDeposit(ctx, dep); err != nil {
		return 0, err
	}

	if err := s.balances.Transfer(ctx, asset, rec.HolderID(), investorID, amount, "escrow refund "+offeringID); err != nil {
		return 0, err
	}

	s.bus.Publish(events.Event{
		Type:       events.TypeRefundIssued,
		OfferingID: offeringID,
		Investor:   investorID,
		Asset:      asset,
		Amount:     amount,
	})
	s.log.WithField("offering_id", offeringID).
		WithField("investor", investorID).
		WithField("asset", asset).
		WithField("amount", amount).
		Info("escrow refund issued")
	return amount, nil
}

// Get returns the escrow record for an offering.
func (s *Service) Get(ctx context.Context, offeringID string) (domain.Record, error) {
	return s.store.GetEscrow(ctx, offeringID)
}
