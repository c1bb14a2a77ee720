package storage

import (
	"context"

	"github.com/raisefi/offering_layer/internal/app/domain/escrow"
	"github.com/raisefi/offering_layer/internal/app/domain/ledger"
	"github.com/raisefi/offering_layer/internal/app/domain/offering"
	"github.com/raisefi/offering_layer/internal/app/domain/position"
	"github.com/raisefi/offering_layer/internal/app/domain/pricefeed"
)

// OfferingStore persists offering configuration, lifecycle state and
// per-investor stakes.
type OfferingStore interface {
	CreateOffering(ctx context.Context, off offering.Offering) (offering.Offering, error)
	UpdateOffering(ctx context.Context, off offering.Offering) (offering.Offering, error)
	GetOffering(ctx context.Context, id string) (offering.Offering, error)
	ListOfferings(ctx context.Context) ([]offering.Offering, error)

	GetInvestment(ctx context.Context, offeringID, investorID string) (offering.Investment, error)
	PutInvestment(ctx context.Context, inv offering.Investment) (offering.Investment, error)
	ListInvestments(ctx context.Context, offeringID string) ([]offering.Investment, error)
}

// EscrowStore persists escrow records and refundable deposits.
type EscrowStore interface {
	CreateEscrow(ctx context.Context, rec escrow.Record) (escrow.Record, error)
	UpdateEscrow(ctx context.Context, rec escrow.Record) (escrow.Record, error)
	GetEscrow(ctx context.Context, offeringID string) (escrow.Record, error)

	GetDeposit(ctx context.Context, offeringID, investorID, asset string) (escrow.Deposit, error)
	PutDeposit(ctx context.Context, dep escrow.Deposit) (escrow.Deposit, error)
	ListDeposits(ctx context.Context, offeringID string) ([]escrow.Deposit, error)
}

// PositionStore persists position ledgers, positions and distribution
// periods.
type PositionStore interface {
	CreateLedger(ctx context.Context, led position.Ledger) (position.Ledger, error)
	UpdateLedger(ctx context.Context, led position.Ledger) (position.Ledger, error)
	GetLedger(ctx context.Context, offeringID string) (position.Ledger, error)
	ListLedgers(ctx context.Context) ([]position.Ledger, error)

	GetPosition(ctx context.Context, offeringID, investorID string) (position.Position, error)
	PutPosition(ctx context.Context, pos position.Position) (position.Position, error)
	ListPositions(ctx context.Context, offeringID string) ([]position.Position, error)

	CreatePeriod(ctx context.Context, per position.Period) (position.Period, error)
	GetPeriod(ctx context.Context, offeringID string, index int64) (position.Period, error)
	ListPeriods(ctx context.Context, offeringID string) ([]position.Period, error)
}

// BalanceStore persists fungible asset balances and movement entries.
type BalanceStore interface {
	GetBalance(ctx context.Context, asset, holder string) (ledger.Balance, error)
	PutBalance(ctx context.Context, bal ledger.Balance) (ledger.Balance, error)
	ListBalances(ctx context.Context, asset string) ([]ledger.Balance, error)

	CreateEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error)
	ListEntries(ctx context.Context, asset, holder string) ([]ledger.Entry, error)
}

// PriceFeedStore persists price feed definitions and snapshots.
type PriceFeedStore interface {
	CreatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error)
	UpdatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error)
	GetPriceFeed(ctx context.Context, id string) (pricefeed.Feed, error)
	ListPriceFeeds(ctx context.Context) ([]pricefeed.Feed, error)

	CreatePriceSnapshot(ctx context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error)
	ListPriceSnapshots(ctx context.Context, feedID string) ([]pricefeed.Snapshot, error)
	LatestPriceSnapshot(ctx context.Context, feedID string) (pricefeed.Snapshot, error)
}
