package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/raisefi/offering_layer/internal/app/domain/escrow"
	"github.com/raisefi/offering_layer/internal/app/domain/ledger"
	"github.com/raisefi/offering_layer/internal/app/domain/offering"
	"github.com/raisefi/offering_layer/internal/app/domain/position"
	"github.com/raisefi/offering_layer/internal/app/domain/pricefeed"
	"github.com/raisefi/offering_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	offerings   map[string]offering.Offering
	investments map[string]map[string]offering.Investment

	escrows  map[string]escrow.Record
	deposits map[string]map[string]escrow.Deposit

	ledgers   map[string]position.Ledger
	positions map[string]map[string]position.Position
	periods   map[string]map[int64]position.Period

	balances map[string]map[string]ledger.Balance
	entries  []ledger.Entry

	priceFeeds     map[string]pricefeed.Feed
	priceSnapshots map[string][]pricefeed.Snapshot
}

var _ storage.OfferingStore = (*Store)(nil)
var _ storage.EscrowStore = (*Store)(nil)
var _ storage.PositionStore = (*Store)(nil)
var _ storage.BalanceStore = (*Store)(nil)
var _ storage.PriceFeedStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:         1,
		offerings:      make(map[string]offering.Offering),
		investments:    make(map[string]map[string]offering.Investment),
		escrows:        make(map[string]escrow.Record),
		deposits:       make(map[string]map[string]escrow.Deposit),
		ledgers:        make(map[string]position.Ledger),
		positions:      make(map[string]map[string]position.Position),
		periods:        make(map[string]map[int64]position.Period),
		balances:       make(map[string]map[string]ledger.Balance),
		priceFeeds:     make(map[string]pricefeed.Feed),
		priceSnapshots: make(map[string][]pricefeed.Snapshot),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func depositKey(investorID, asset string) string {
	return investorID + "/" + asset
}

// OfferingStore implementation ------------------------------------------------

func (s *Store) CreateOffering(_ context.Context, off offering.Offering) (offering.Offering, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off.ID == "" {
		off.ID = s.nextIDLocked()
	} else if _, exists := s.offerings[off.ID]; exists {
		return offering.Offering{}, fmt.Errorf("offering %s already exists", off.ID)
	}

	now := time.Now().UTC()
	off.CreatedAt = now
	off.UpdatedAt = now
	off.PaymentAssets = append([]offering.PaymentAsset(nil), off.PaymentAssets...)

	s.offerings[off.ID] = off
	return cloneOffering(off), nil
}

func (s *Store) UpdateOffering(_ context.Context, off offering.Offering) (offering.Offering, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.offerings[off.ID]
	if !ok {
		return offering.Offering{}, fmt.Errorf("offering %s not found", off.ID)
	}

	off.CreatedAt = original.CreatedAt
	off.UpdatedAt = time.Now().UTC()
	off.PaymentAssets = append([]offering.PaymentAsset(nil), off.PaymentAssets...)

	s.offerings[off.ID] = off
	return cloneOffering(off), nil
}

func (s *Store) GetOffering(_ context.Context, id string) (offering.Offering, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	off, ok := s.offerings[id]
	if !ok {
		return offering.Offering{}, fmt.Errorf("offering %s not found", id)
	}
	return cloneOffering(off), nil
}

func (s *Store) ListOfferings(_ context.Context) ([]offering.Offering, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]offering.Offering, 0, len(s.offerings))
	for _, off := range s.offerings {
		result = append(result, cloneOffering(off))
	}
	return result, nil
}

func (s *Store) GetInvestment(_ context.Context, offeringID, investorID string) (offering.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.investments[offeringID][investorID]
	if !ok {
		return offering.Investment{}, fmt.Errorf("investment for %s in offering %s not found", investorID, offeringID)
	}
	return inv, nil
}

func (s *Store) PutInvestment(_ context.Context, inv offering.Investment) (offering.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.OfferingID == "" || inv.InvestorID == "" {
		return offering.Investment{}, fmt.Errorf("investment requires offering and investor identifiers")
	}

	inv.UpdatedAt = time.Now().UTC()
	if s.investments[inv.OfferingID] == nil {
		s.investments[inv.OfferingID] = make(map[string]offering.Investment)
	}
	s.investments[inv.OfferingID][inv.InvestorID] = inv
	return inv, nil
}

func (s *Store) ListInvestments(_ context.Context, offeringID string) ([]offering.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]offering.Investment, 0, len(s.investments[offeringID]))
	for _, inv := range s.investments[offeringID] {
		result = append(result, inv)
	}
	return result, nil
}

// EscrowStore implementation --------------------------------------------------

func (s *Store) CreateEscrow(_ context.Context, rec escrow.Record) (escrow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.OfferingID == "" {
		return escrow.Record{}, fmt.Errorf("escrow requires an offering identifier")
	}
	if _, exists := s.escrows[rec.OfferingID]; exists {
		return escrow.Record{}, fmt.Errorf("escrow for offering %s already exists", rec.OfferingID)
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.escrows[rec.OfferingID] = rec
	return rec, nil
}

func (s *Store) UpdateEscrow(_ context.Context, rec escrow.Record) (escrow.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.escrows[rec.OfferingID]
	if !ok {
		return escrow.Record{}, fmt.Errorf("escrow for offering %s not found", rec.OfferingID)
	}

	rec.CreatedAt = original.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	s.escrows[rec.OfferingID] = rec
	return rec, nil
}

func (s *Store) GetEscrow(_ context.Context, offeringID string) (escrow.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.escrows[offeringID]
	if !ok {
		return escrow.Record{}, fmt.Errorf("escrow for offering %s not found", offeringID)
	}
	return rec, nil
}

func (s *Store) GetDeposit(_ context.Context, offeringID, investorID, asset string) (escrow.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dep, ok := s.deposits[offeringID][depositKey(investorID, asset)]
	if !ok {
		return escrow.Deposit{}, fmt.Errorf("deposit for %s/%s in offering %s not found", investorID, asset, offeringID)
	}
	return dep, nil
}

func (s *Store) PutDeposit(_ context.Context, dep escrow.Deposit) (escrow.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dep.OfferingID == "" || dep.InvestorID == "" || dep.Asset == "" {
		return escrow.Deposit{}, fmt.Errorf("deposit requires offering, investor and asset identifiers")
	}

	dep.UpdatedAt = time.Now().UTC()
	if s.deposits[dep.OfferingID] == nil {
		s.deposits[dep.OfferingID] = make(map[string]escrow.Deposit)
	}
	s.deposits[dep.OfferingID][depositKey(dep.InvestorID, dep.Asset)] = dep
	return dep, nil
}

func (s *Store) ListDeposits(_ context.Context, offeringID string) ([]escrow.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]escrow.Deposit, 0, len(s.deposits[offeringID]))
	for _, dep := range s.deposits[offeringID] {
		result = append(result, dep)
	}
	return result, nil
}

// PositionStore implementation ------------------------------------------------

func (s *Store) CreateLedger(_ context.Context, led position.Ledger) (position.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if led.OfferingID == "" {
		return position.Ledger{}, fmt.Errorf("ledger requires an offering identifier")
	}
	if _, exists := s.ledgers[led.OfferingID]; exists {
		return position.Ledger{}, fmt.Errorf("ledger for offering %s already exists", led.OfferingID)
	}

	now := time.Now().UTC()
	led.CreatedAt = now
	led.UpdatedAt = now

	s.ledgers[led.OfferingID] = led
	return led, nil
}

func (s *Store) UpdateLedger(_ context.Context, led position.Ledger) (position.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.ledgers[led.OfferingID]
	if !ok {
		return position.Ledger{}, fmt.Errorf("ledger for offering %s not found", led.OfferingID)
	}

	led.CreatedAt = original.CreatedAt
	led.UpdatedAt = time.Now().UTC()

	s.ledgers[led.OfferingID] = led
	return led, nil
}

func (s *Store) GetLedger(_ context.Context, offeringID string) (position.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	led, ok := s.ledgers[offeringID]
	if !ok {
		return position.Ledger{}, fmt.Errorf("ledger for offering %s not found", offeringID)
	}
	return led, nil
}

func (s *Store) ListLedgers(_ context.Context) ([]position.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]position.Ledger, 0, len(s.ledgers))
	for _, led := range s.ledgers {
		result = append(result, led)
	}
	return result, nil
}

func (s *Store) GetPosition(_ context.Context, offeringID, investorID string) (position.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[offeringID][investorID]
	if !ok {
		return position.Position{}, fmt.Errorf("position for %s in offering %s not found", investorID, offeringID)
	}
	return pos, nil
}

func (s *Store) PutPosition(_ context.Context, pos position.Position) (position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.OfferingID == "" || pos.InvestorID == "" {
		return position.Position{}, fmt.Errorf("position requires offering and investor identifiers")
	}

	pos.UpdatedAt = time.Now().UTC()
	if s.positions[pos.OfferingID] == nil {
		s.positions[pos.OfferingID] = make(map[string]position.Position)
	}
	s.positions[pos.OfferingID][pos.InvestorID] = pos
	return pos, nil
}

func (s *Store) ListPositions(_ context.Context, offeringID string) ([]position.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]position.Position, 0, len(s.positions[offeringID]))
	for _, pos := range s.positions[offeringID] {
		result = append(result, pos)
	}
	return result, nil
}

func (s *Store) CreatePeriod(_ context.Context, per position.Period) (position.Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if per.OfferingID == "" {
		return position.Period{}, fmt.Errorf("period requires an offering identifier")
	}
	if _, exists := s.periods[per.OfferingID][per.Index]; exists {
		return position.Period{}, fmt.Errorf("period %d for offering %s already distributed", per.Index, per.OfferingID)
	}

	if per.DistributedAt.IsZero() {
		per.DistributedAt = time.Now().UTC()
	}
	if s.periods[per.OfferingID] == nil {
		s.periods[per.OfferingID] = make(map[int64]position.Period)
	}
	s.periods[per.OfferingID][per.Index] = per
	return per, nil
}

func (s *Store) GetPeriod(_ context.Context, offeringID string, index int64) (position.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	per, ok := s.periods[offeringID][index]
	if !ok {
		return position.Period{}, fmt.Errorf("period %d for offering %s not found", index, offeringID)
	}
	return per, nil
}

func (s *Store) ListPeriods(_ context.Context, offeringID string) ([]position.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]position.Period, 0, len(s.periods[offeringID]))
	for _, per := range s.periods[offeringID] {
		result = append(result, per)
	}
	return result, nil
}

// BalanceStore implementation -------------------------------------------------

func (s *Store) GetBalance(_ context.Context, asset, holder string) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if bal, ok := s.balances[asset][holder]; ok {
		return bal, nil
	}
	return ledger.Balance{Asset: asset, Holder: holder}, nil
}

func (s *Store) PutBalance(_ context.Context, bal ledger.Balance) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bal.Asset == "" || bal.Holder == "" {
		return ledger.Balance{}, fmt.Errorf("balance requires asset and holder identifiers")
	}

	bal.UpdatedAt = time.Now().UTC()
	if s.balances[bal.Asset] == nil {
		s.balances[bal.Asset] = make(map[string]ledger.Balance)
	}
	s.balances[bal.Asset][bal.Holder] = bal
	return bal, nil
}

func (s *Store) ListBalances(_ context.Context, asset string) ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Balance, 0, len(s.balances[asset]))
	for a, holders := range s.balances {
		if asset != "" && a != asset {
			continue
		}
		for _, bal := range holders {
			result = append(result, bal)
		}
	}
	return result, nil
}

func (s *Store) CreateEntry(_ context.Context, entry ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = s.nextIDLocked()
	}
	entry.CreatedAt = time.Now().UTC()

	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *Store) ListEntries(_ context.Context, asset, holder string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Entry, 0)
	for _, entry := range s.entries {
		if asset != "" && entry.Asset != asset {
			continue
		}
		if holder != "" && entry.From != holder && entry.To != holder {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

// PriceFeedStore implementation ----------------------------------------------

func (s *Store) CreatePriceFeed(_ context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if feed.ID == "" {
		feed.ID = s.nextIDLocked()
	} else if _, exists := s.priceFeeds[feed.ID]; exists {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s already exists", feed.ID)
	}

	now := time.Now().UTC()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	s.priceFeeds[feed.ID] = feed
	return feed, nil
}

func (s *Store) UpdatePriceFeed(_ context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.priceFeeds[feed.ID]
	if !ok {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s not found", feed.ID)
	}

	feed.CreatedAt = original.CreatedAt
	feed.UpdatedAt = time.Now().UTC()

	s.priceFeeds[feed.ID] = feed
	return feed, nil
}

func (s *Store) GetPriceFeed(_ context.Context, id string) (pricefeed.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, ok := s.priceFeeds[id]
	if !ok {
		return pricefeed.Feed{}, fmt.Errorf("price feed %s not found", id)
	}
	return feed, nil
}

func (s *Store) ListPriceFeeds(_ context.Context) ([]pricefeed.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]pricefeed.Feed, 0, len(s.priceFeeds))
	for _, feed := range s.priceFeeds {
		result = append(result, feed)
	}
	return result, nil
}

func (s *Store) CreatePriceSnapshot(_ context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ID == "" {
		snap.ID = s.nextIDLocked()
	}

	now := time.Now().UTC()
	snap.CreatedAt = now
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = now
	}

	s.priceSnapshots[snap.FeedID] = append(s.priceSnapshots[snap.FeedID], snap)
	return snap, nil
}

func (s *Store) ListPriceSnapshots(_ context.Context, feedID string) ([]pricefeed.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]pricefeed.Snapshot(nil), s.priceSnapshots[feedID]...), nil
}

func (s *Store) LatestPriceSnapshot(_ context.Context, feedID string) (pricefeed.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.priceSnapshots[feedID]
	if len(snaps) == 0 {
		return pricefeed.Snapshot{}, fmt.Errorf("no snapshots recorded for feed %s", feedID)
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.CollectedAt.After(latest.CollectedAt) {
			latest = snap
		}
	}
	return latest, nil
}

// Helpers ---------------------------------------------------------------------

func cloneOffering(off offering.Offering) offering.Offering {
	off.PaymentAssets = append([]offering.PaymentAsset(nil), off.PaymentAssets...)
	return off
}
