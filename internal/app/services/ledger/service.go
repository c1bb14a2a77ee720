// Package ledger provides the fungible balance primitive used for custody of
// sale and payment assets. Balances are plain int64 quantities in base units;
// every movement is validated against the source balance before any state
// changes, so a failed transfer leaves both holders untouched.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	domain "github.com/raisefi/offering_layer/internal/app/domain/ledger"
	"github.com/raisefi/offering_layer/internal/app/storage"
	"github.com/raisefi/offering_layer/pkg/logger"
)

// ErrInsufficientFunds is returned when a transfer exceeds the source
// holder's balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Service manages asset balances.
type Service struct {
	store storage.BalanceStore
	log   *logger.Logger

	mu sync.Mutex
}

// New constructs a balance service.
func New(store storage.BalanceStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// Mint credits newly issued units to a holder. Used by deployment wiring to
// seed sale-asset inventories and payment balances.
func (s *Service) Mint(ctx context.Context, asset, holder string, amount int64, reference string) error {
	asset = strings.TrimSpace(asset)
	holder = strings.TrimSpace(holder)
	if asset == "" || holder == "" {
		return fmt.Errorf("asset and holder are required")
	}
	if amount <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, err := s.store.GetBalance(ctx, asset, holder)
	if err != nil {
		return err
	}
	bal.Amount += amount
	if _, err := s.store.PutBalance(ctx, bal); err != nil {
		return err
	}

	if _, err := s.store.CreateEntry(ctx, domain.Entry{
		Asset:     asset,
		From:      domain.MintSource,
		To:        holder,
		Amount:    amount,
		Reference: reference,
	}); err != nil {
		return err
	}

	s.log.WithField("asset", asset).
		WithField("holder", holder).
		WithField("amount", amount).
		Debug("minted")
	return nil
}

// Transfer moves units between holders. Aborts with ErrInsufficientFunds
// before touching either balance when the source cannot cover the amount.
func (s *Service) Transfer(ctx context.Context, asset, from, to string, amount int64, reference string) error {
	asset = strings.TrimSpace(asset)
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if asset == "" || from == "" || to == "" {
		return fmt.Errorf("asset, from and to are required")
	}
	if from == to {
		return fmt.Errorf("cannot transfer to the same holder")
	}
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.store.GetBalance(ctx, asset, from)
	if err != nil {
		return err
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: %s has %d %s, need %d", ErrInsufficientFunds, from, src.Amount, asset, amount)
	}
	dst, err := s.store.GetBalance(ctx, asset, to)
	if err != nil {
		return err
	}

	src.Amount -= amount
	dst.Amount += amount
	if _, err := s.store.PutBalance(ctx, src); err != nil {
		return err
	}
	if _, err := s.store.PutBalance(ctx, dst); err != nil {
		return err
	}

	if _, err := s.store.CreateEntry(ctx, domain.Entry{
		Asset:     asset,
		From:      from,
		To:        to,
		Amount:    amount,
		Reference: reference,
	}); err != nil {
		return err
	}
	return nil
}

// Balance returns a holder's quantity of an asset. Unknown holders have a
// zero balance.
func (s *Service) Balance(ctx context.Context, asset, holder string) (int64, error) {
	bal, err := s.store.GetBalance(ctx, asset, holder)
	if err != nil {
		return 0, err
	}
	return bal.Amount, nil
}

// Balances lists a holder's balances across every asset.
func (s *Service) Balances(ctx context.Context, holder string) ([]domain.Balance, error) {
	all, err := s.store.ListBalances(ctx, "")
	if err != nil {
		return nil, err
	}
	result := make([]domain.Balance, 0)
	for _, bal := range all {
		if bal.Holder == holder {
			result = append(result, bal)
		}
	}
	return result, nil
}

// Entries lists recorded movements, optionally filtered by asset and holder.
func (s *Service) Entries(ctx context.Context, asset, holder string) ([]domain.Entry, error) {
	return s.store.ListEntries(ctx, asset, holder)
}
