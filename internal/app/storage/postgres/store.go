// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/raisefi/offering_layer/internal/app/domain/escrow"
	"github.com/raisefi/offering_layer/internal/app/domain/ledger"
	"github.com/raisefi/offering_layer/internal/app/domain/offering"
	"github.com/raisefi/offering_layer/internal/app/domain/position"
	"github.com/raisefi/offering_layer/internal/app/domain/pricefeed"
	"github.com/raisefi/offering_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.OfferingStore = (*Store)(nil)
var _ storage.EscrowStore = (*Store)(nil)
var _ storage.PositionStore = (*Store)(nil)
var _ storage.BalanceStore = (*Store)(nil)
var _ storage.PriceFeedStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// --- OfferingStore ----------------------------------------------------------

type offeringRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	SaleAsset       string    `db:"sale_asset"`
	PaymentAssets   []byte    `db:"payment_assets"`
	MinInvestment   int64     `db:"min_investment"`
	MaxInvestment   int64     `db:"max_investment"`
	StartTime       time.Time `db:"start_time"`
	EndTime         time.Time `db:"end_time"`
	MaturityTime    time.Time `db:"maturity_time"`
	UnitPrice       float64   `db:"unit_price"`
	FundraisingCap  int64     `db:"fundraising_cap"`
	SoftCap         int64     `db:"soft_cap"`
	Beneficiary     string    `db:"beneficiary"`
	InterestEnabled bool      `db:"interest_enabled"`
	PayoutPeriodSec int64     `db:"payout_period_seconds"`
	APRBasisPoints  int64     `db:"apr_bps"`
	PayoutAsset     string    `db:"payout_asset"`
	TotalRaised     int64     `db:"total_raised"`
	SaleClosed      bool      `db:"sale_closed"`
	Finalized       bool      `db:"finalized"`
	Cancelled       bool      `db:"cancelled"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func toOfferingRow(off offering.Offering) (offeringRow, error) {
	assetsJSON, err := json.Marshal(off.PaymentAssets)
	if err != nil {
		return offeringRow{}, err
	}
	return offeringRow{
		ID:              off.ID,
		Name:            off.Name,
		SaleAsset:       off.SaleAsset,
		PaymentAssets:   assetsJSON,
		MinInvestment:   off.MinInvestment,
		MaxInvestment:   off.MaxInvestment,
		StartTime:       off.StartTime,
		EndTime:         off.EndTime,
		MaturityTime:    off.MaturityTime,
		UnitPrice:       off.UnitPrice,
		FundraisingCap:  off.FundraisingCap,
		SoftCap:         off.SoftCap,
		Beneficiary:     off.Beneficiary,
		InterestEnabled: off.InterestEnabled,
		PayoutPeriodSec: int64(off.PayoutPeriod / time.Second),
		APRBasisPoints:  off.APRBasisPoints,
		PayoutAsset:     off.PayoutAsset,
		TotalRaised:     off.TotalRaised,
		SaleClosed:      off.SaleClosed,
		Finalized:       off.Finalized,
		Cancelled:       off.Cancelled,
		CreatedAt:       off.CreatedAt,
		UpdatedAt:       off.UpdatedAt,
	}, nil
}

func (r offeringRow) toDomain() (offering.Offering, error) {
	var assets []offering.PaymentAsset
	if len(r.PaymentAssets) > 0 {
		if err := json.Unmarshal(r.PaymentAssets, &assets); err != nil {
			return offering.Offering{}, err
		}
	}
	return offering.Offering{
		ID:              r.ID,
		Name:            r.Name,
		SaleAsset:       r.SaleAsset,
		PaymentAssets:   assets,
		MinInvestment:   r.MinInvestment,
		MaxInvestment:   r.MaxInvestment,
		StartTime:       r.StartTime.UTC(),
		EndTime:         r.EndTime.UTC(),
		MaturityTime:    r.MaturityTime.UTC(),
		UnitPrice:       r.UnitPrice,
		FundraisingCap:  r.FundraisingCap,
		SoftCap:         r.SoftCap,
		Beneficiary:     r.Beneficiary,
		InterestEnabled: r.InterestEnabled,
		PayoutPeriod:    time.Duration(r.PayoutPeriodSec) * time.Second,
		APRBasisPoints:  r.APRBasisPoints,
		PayoutAsset:     r.PayoutAsset,
		TotalRaised:     r.TotalRaised,
		SaleClosed:      r.SaleClosed,
		Finalized:       r.Finalized,
		Cancelled:       r.Cancelled,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}, nil
}

const offeringColumns = `id, name, sale_asset, payment_assets, min_investment, max_investment,
	start_time, end_time, maturity_time, unit_price, fundraising_cap, soft_cap, beneficiary,
	interest_enabled, payout_period_seconds, apr_bps, payout_asset,
	total_raised, sale_closed, finalized, cancelled, created_at, updated_at`

func (s *Store) CreateOffering(ctx context.Context, off offering.Offering) (offering.Offering, error) {
	if off.ID == "" {
		off.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	off.CreatedAt = now
	off.UpdatedAt = now

	row, err := toOfferingRow(off)
	if err != nil {
		return offering.Offering{}, err
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO offerings (`+offeringColumns+`)
		VALUES (:id, :name, :sale_asset, :payment_assets, :min_investment, :max_investment,
			:start_time, :end_time, :maturity_time, :unit_price, :fundraising_cap, :soft_cap, :beneficiary,
			:interest_enabled, :payout_period_seconds, :apr_bps, :payout_asset,
			:total_raised, :sale_closed, :finalized, :cancelled, :created_at, :updated_at)
	`, row)
	if err != nil {
		return offering.Offering{}, err
	}
	return off, nil
}

func (s *Store) UpdateOffering(ctx context.Context, off offering.Offering) (offering.Offering, error) {
	existing, err := s.GetOffering(ctx, off.ID)
	if err != nil {
		return offering.Offering{}, err
	}
	off.CreatedAt = existing.CreatedAt
	off.UpdatedAt = time.Now().UTC()

	row, err := toOfferingRow(off)
	if err != nil {
		return offering.Offering{}, err
	}

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE offerings
		SET total_raised = :total_raised, sale_closed = :sale_closed,
			finalized = :finalized, cancelled = :cancelled, updated_at = :updated_at
		WHERE id = :id
	`, row)
	if err != nil {
		return offering.Offering{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return offering.Offering{}, sql.ErrNoRows
	}
	return off, nil
}

func (s *Store) GetOffering(ctx context.Context, id string) (offering.Offering, error) {
	var row offeringRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+offeringColumns+` FROM offerings WHERE id = $1
	`, id)
	if err != nil {
		return offering.Offering{}, err
	}
	return row.toDomain()
}

func (s *Store) ListOfferings(ctx context.Context) ([]offering.Offering, error) {
	var rows []offeringRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+offeringColumns+` FROM offerings ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}

	result := make([]offering.Offering, 0, len(rows))
	for _, row := range rows {
		off, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, off)
	}
	return result, nil
}

type investmentRow struct {
	OfferingID    string    `db:"offering_id"`
	InvestorID    string    `db:"investor_id"`
	Invested      int64     `db:"invested"`
	PendingTokens int64     `db:"pending_tokens"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (s *Store) GetInvestment(ctx context.Context, offeringID, investorID string) (offering.Investment, error) {
	var row investmentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT offering_id, investor_id, invested, pending_tokens, updated_at
		FROM offering_investments
		WHERE offering_id = $1 AND investor_id = $2
	`, offeringID, investorID)
	if err != nil {
		return offering.Investment{}, err
	}
	return offering.Investment(row), nil
}

func (s *Store) PutInvestment(ctx context.Context, inv offering.Investment) (offering.Investment, error) {
	if inv.OfferingID == "" || inv.InvestorID == "" {
		return offering.Investment{}, errors.New("investment requires offering and investor identifiers")
	}
	inv.UpdatedAt = time.Now().UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO offering_investments (offering_id, investor_id, invested, pending_tokens, updated_at)
		VALUES (:offering_id, :investor_id, :invested, :pending_tokens, :updated_at)
		ON CONFLICT (offering_id, investor_id)
		DO UPDATE SET invested = :invested, pending_tokens = :pending_tokens, updated_at = :updated_at
	`, investmentRow(inv))
	if err != nil {
		return offering.Investment{}, err
	}
	return inv, nil
}

func (s *Store) ListInvestments(ctx context.Context, offeringID string) ([]offering.Investment, error) {
	var rows []investmentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT offering_id, investor_id, invested, pending_tokens, updated_at
		FROM offering_investments
		WHERE offering_id = $1
		ORDER BY investor_id
	`, offeringID)
	if err != nil {
		return nil, err
	}

	result := make([]offering.Investment, 0, len(rows))
	for _, row := range rows {
		result = append(result, offering.Investment(row))
	}
	return result, nil
}

// --- EscrowStore ------------------------------------------------------------

type escrowRow struct {
	OfferingID     string    `db:"offering_id"`
	Beneficiary    string    `db:"beneficiary"`
	RefundsEnabled bool      `db:"refunds_enabled"`
	Finalized      bool      `db:"finalized"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (s *Store) CreateEscrow(ctx context.Context, rec escrow.Record) (escrow.Record, error) {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO escrow_records (offering_id, beneficiary, refunds_enabled, finalized, created_at, updated_at)
		VALUES (:offering_id, :beneficiary, :refunds_enabled, :finalized, :created_at, :updated_at)
	`, escrowRow(rec))
	if err != nil {
		return escrow.Record{}, err
	}
	return rec, nil
}

func (s *Store) UpdateEscrow(ctx context.Context, rec escrow.Record) (escrow.Record, error) {
	rec.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE escrow_records
		SET refunds_enabled = :refunds_enabled, finalized = :finalized, updated_at = :updated_at
		WHERE offering_id = :offering_id
	`, escrowRow(rec))
	if err != nil {
		return escrow.Record{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return escrow.Record{}, sql.ErrNoRows
	}
	return rec, nil
}

func (s *Store) GetEscrow(ctx context.Context, offeringID string) (escrow.Record, error) {
	var row escrowRow
	err := s.db.GetContext(ctx, &row, `
		SELECT offering_id, beneficiary, refunds_enabled, finalized, created_at, updated_at
		FROM escrow_records
		WHERE offering_id = $1
	`, offeringID)
	if err != nil {
		return escrow.Record{}, err
	}
	return escrow.Record(row), nil
}

type depositRow struct {
	OfferingID string    `db:"offering_id"`
	InvestorID string    `db:"investor_id"`
	Asset      string    `db:"asset"`
	Amount     int64     `db:"amount"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (s *Store) GetDeposit(ctx context.Context, offeringID, investorID, asset string) (escrow.Deposit, error) {
	var row depositRow
	err := s.db.GetContext(ctx, &row, `
		SELECT offering_id, investor_id, asset, amount, updated_at
		FROM escrow_deposits
		WHERE offering_id = $1 AND investor_id = $2 AND asset = $3
	`, offeringID, investorID, asset)
	if err != nil {
		return escrow.Deposit{}, err
	}
	return escrow.Deposit(row), nil
}

func (s *Store) PutDeposit(ctx context.Context, dep escrow.Deposit) (escrow.Deposit, error) {
	if dep.OfferingID == "" || dep.InvestorID == "" || dep.Asset == "" {
		return escrow.Deposit{}, errors.New("deposit requires offering, investor and asset identifiers")
	}
	dep.UpdatedAt = time.Now().UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO escrow_deposits (offering_id, investor_id, asset, amount, updated_at)
		VALUES (:offering_id, :investor_id, :asset, :amount, :updated_at)
		ON CONFLICT (offering_id, investor_id, asset)
		DO UPDATE SET amount = :amount, updated_at = :updated_at
	`, depositRow(dep))
	if err != nil {
		return escrow.Deposit{}, err
	}
	return dep, nil
}

func (s *Store) ListDeposits(ctx context.Context, offeringID string) ([]escrow.Deposit, error) {
	var rows []depositRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT offering_id, investor_id, asset, amount, updated_at
		FROM escrow_deposits
		WHERE offering_id = $1
		ORDER BY investor_id, asset
	`, offeringID)
	if err != nil {
		return nil, err
	}

	result := make([]escrow.Deposit, 0, len(rows))
	for _, row := range rows {
		result = append(result, escrow.Deposit(row))
	}
	return result, nil
}

// --- PositionStore ----------------------------------------------------------

type ledgerRow struct {
	OfferingID      string       `db:"offering_id"`
	SaleAsset       string       `db:"sale_asset"`
	PayoutAsset     string       `db:"payout_asset"`
	PayoutPeriodSec int64        `db:"payout_period_seconds"`
	APRBasisPoints  int64        `db:"apr_bps"`
	MaturityTime    time.Time    `db:"maturity_time"`
	FirstPayoutDate sql.NullTime `db:"first_payout_date"`
	CurrentPeriod   int64        `db:"current_period"`
	TotalEscrowed   int64        `db:"total_escrowed"`
	TotalNormalized int64        `db:"total_normalized"`
	UnlockEnabled   bool         `db:"unlock_enabled"`
	PenaltyBps      int64        `db:"penalty_bps"`
	Paused          bool         `db:"paused"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func toLedgerRow(led position.Ledger) ledgerRow {
	return ledgerRow{
		OfferingID:      led.OfferingID,
		SaleAsset:       led.SaleAsset,
		PayoutAsset:     led.PayoutAsset,
		PayoutPeriodSec: int64(led.PayoutPeriod / time.Second),
		APRBasisPoints:  led.APRBasisPoints,
		MaturityTime:    led.MaturityTime,
		FirstPayoutDate: toNullTime(led.FirstPayoutDate),
		CurrentPeriod:   led.CurrentPeriod,
		TotalEscrowed:   led.TotalEscrowed,
		TotalNormalized: led.TotalNormalized,
		UnlockEnabled:   led.UnlockEnabled,
		PenaltyBps:      led.PenaltyBasisPoints,
		Paused:          led.Paused,
		CreatedAt:       led.CreatedAt,
		UpdatedAt:       led.UpdatedAt,
	}
}

func (r ledgerRow) toDomain() position.Ledger {
	led := position.Ledger{
		OfferingID:         r.OfferingID,
		SaleAsset:          r.SaleAsset,
		PayoutAsset:        r.PayoutAsset,
		PayoutPeriod:       time.Duration(r.PayoutPeriodSec) * time.Second,
		APRBasisPoints:     r.APRBasisPoints,
		MaturityTime:       r.MaturityTime.UTC(),
		CurrentPeriod:      r.CurrentPeriod,
		TotalEscrowed:      r.TotalEscrowed,
		TotalNormalized:    r.TotalNormalized,
		UnlockEnabled:      r.UnlockEnabled,
		PenaltyBasisPoints: r.PenaltyBps,
		Paused:             r.Paused,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if r.FirstPayoutDate.Valid {
		led.FirstPayoutDate = r.FirstPayoutDate.Time.UTC()
	}
	return led
}

const ledgerColumns = `offering_id, sale_asset, payout_asset, payout_period_seconds, apr_bps,
	maturity_time, first_payout_date, current_period, total_escrowed, total_normalized,
	unlock_enabled, penalty_bps, paused, created_at, updated_at`

func (s *Store) CreateLedger(ctx context.Context, led position.Ledger) (position.Ledger, error) {
	now := time.Now().UTC()
	led.CreatedAt = now
	led.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO position_ledgers (`+ledgerColumns+`)
		VALUES (:offering_id, :sale_asset, :payout_asset, :payout_period_seconds, :apr_bps,
			:maturity_time, :first_payout_date, :current_period, :total_escrowed, :total_normalized,
			:unlock_enabled, :penalty_bps, :paused, :created_at, :updated_at)
	`, toLedgerRow(led))
	if err != nil {
		return position.Ledger{}, err
	}
	return led, nil
}

func (s *Store) UpdateLedger(ctx context.Context, led position.Ledger) (position.Ledger, error) {
	led.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE position_ledgers
		SET first_payout_date = :first_payout_date, current_period = :current_period,
			total_escrowed = :total_escrowed, total_normalized = :total_normalized,
			unlock_enabled = :unlock_enabled, penalty_bps = :penalty_bps, paused = :paused,
			updated_at = :updated_at
		WHERE offering_id = :offering_id
	`, toLedgerRow(led))
	if err != nil {
		return position.Ledger{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return position.Ledger{}, sql.ErrNoRows
	}
	return led, nil
}

func (s *Store) GetLedger(ctx context.Context, offeringID string) (position.Ledger, error) {
	var row ledgerRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+ledgerColumns+` FROM position_ledgers WHERE offering_id = $1
	`, offeringID)
	if err != nil {
		return position.Ledger{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListLedgers(ctx context.Context) ([]position.Ledger, error) {
	var rows []ledgerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+ledgerColumns+` FROM position_ledgers ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}

	result := make([]position.Ledger, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

type positionRow struct {
	OfferingID        string    `db:"offering_id"`
	InvestorID        string    `db:"investor_id"`
	Deposited         int64     `db:"deposited"`
	NormalizedValue   int64     `db:"normalized_value"`
	LastClaimedPeriod int64     `db:"last_claimed_period"`
	EmergencyUnlocked bool      `db:"emergency_unlocked"`
	ClaimedFinal      bool      `db:"claimed_final"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (s *Store) GetPosition(ctx context.Context, offeringID, investorID string) (position.Position, error) {
	var row positionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT offering_id, investor_id, deposited, normalized_value, last_claimed_period,
			emergency_unlocked, claimed_final, updated_at
		FROM positions
		WHERE offering_id = $1 AND investor_id = $2
	`, offeringID, investorID)
	if err != nil {
		return position.Position{}, err
	}
	return position.Position(row), nil
}

func (s *Store) PutPosition(ctx context.Context, pos position.Position) (position.Position, error) {
	if pos.OfferingID == "" || pos.InvestorID == "" {
		return position.Position{}, errors.New("position requires offering and investor identifiers")
	}
	pos.UpdatedAt = time.Now().UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO positions (offering_id, investor_id, deposited, normalized_value,
			last_claimed_period, emergency_unlocked, claimed_final, updated_at)
		VALUES (:offering_id, :investor_id, :deposited, :normalized_value,
			:last_claimed_period, :emergency_unlocked, :claimed_final, :updated_at)
		ON CONFLICT (offering_id, investor_id)
		DO UPDATE SET deposited = :deposited, normalized_value = :normalized_value,
			last_claimed_period = :last_claimed_period, emergency_unlocked = :emergency_unlocked,
			claimed_final = :claimed_final, updated_at = :updated_at
	`, positionRow(pos))
	if err != nil {
		return position.Position{}, err
	}
	return pos, nil
}

func (s *Store) ListPositions(ctx context.Context, offeringID string) ([]position.Position, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT offering_id, investor_id, deposited, normalized_value, last_claimed_period,
			emergency_unlocked, claimed_final, updated_at
		FROM positions
		WHERE offering_id = $1
		ORDER BY investor_id
	`, offeringID)
	if err != nil {
		return nil, err
	}

	result := make([]position.Position, 0, len(rows))
	for _, row := range rows {
		result = append(result, position.Position(row))
	}
	return result, nil
}

type periodRow struct {
	OfferingID         string    `db:"offering_id"`
	Index              int64     `db:"period_index"`
	Funds              int64     `db:"funds"`
	NormalizedSnapshot int64     `db:"normalized_snapshot"`
	DistributedAt      time.Time `db:"distributed_at"`
}

func (s *Store) CreatePeriod(ctx context.Context, per position.Period) (position.Period, error) {
	if per.DistributedAt.IsZero() {
		per.DistributedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO position_periods (offering_id, period_index, funds, normalized_snapshot, distributed_at)
		VALUES (:offering_id, :period_index, :funds, :normalized_snapshot, :distributed_at)
	`, periodRow(per))
	if err != nil {
		return position.Period{}, fmt.Errorf("period %d for offering %s already distributed or invalid: %w", per.Index, per.OfferingID, err)
	}
	return per, nil
}

func (s *Store) GetPeriod(ctx context.Context, offeringID string, index int64) (position.Period, error) {
	var row periodRow
	err := s.db.GetContext(ctx, &row, `
		SELECT offering_id, period_index, funds, normalized_snapshot, distributed_at
		FROM position_periods
		WHERE offering_id = $1 AND period_index = $2
	`, offeringID, index)
	if err != nil {
		return position.Period{}, err
	}
	return position.Period(row), nil
}

func (s *Store) ListPeriods(ctx context.Context, offeringID string) ([]position.Period, error) {
	var rows []periodRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT offering_id, period_index, funds, normalized_snapshot, distributed_at
		FROM position_periods
		WHERE offering_id = $1
		ORDER BY period_index
	`, offeringID)
	if err != nil {
		return nil, err
	}

	result := make([]position.Period, 0, len(rows))
	for _, row := range rows {
		result = append(result, position.Period(row))
	}
	return result, nil
}

// --- BalanceStore -----------------------------------------------------------

type balanceRow struct {
	Asset     string    `db:"asset"`
	Holder    string    `db:"holder"`
	Amount    int64     `db:"amount"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (s *Store) GetBalance(ctx context.Context, asset, holder string) (ledger.Balance, error) {
	var row balanceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT asset, holder, amount, updated_at
		FROM balances
		WHERE asset = $1 AND holder = $2
	`, asset, holder)
	if errors.Is(err, sql.ErrNoRows) {
		// Unknown holders have a zero balance.
		return ledger.Balance{Asset: asset, Holder: holder}, nil
	}
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance(row), nil
}

func (s *Store) PutBalance(ctx context.Context, bal ledger.Balance) (ledger.Balance, error) {
	if bal.Asset == "" || bal.Holder == "" {
		return ledger.Balance{}, errors.New("balance requires asset and holder identifiers")
	}
	bal.UpdatedAt = time.Now().UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO balances (asset, holder, amount, updated_at)
		VALUES (:asset, :holder, :amount, :updated_at)
		ON CONFLICT (asset, holder)
		DO UPDATE SET amount = :amount, updated_at = :updated_at
	`, balanceRow(bal))
	if err != nil {
		return ledger.Balance{}, err
	}
	return bal, nil
}

func (s *Store) ListBalances(ctx context.Context, asset string) ([]ledger.Balance, error) {
	var rows []balanceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT asset, holder, amount, updated_at
		FROM balances
		WHERE $1 = '' OR asset = $1
		ORDER BY asset, holder
	`, asset)
	if err != nil {
		return nil, err
	}

	result := make([]ledger.Balance, 0, len(rows))
	for _, row := range rows {
		result = append(result, ledger.Balance(row))
	}
	return result, nil
}

type entryRow struct {
	ID        string    `db:"id"`
	Asset     string    `db:"asset"`
	From      string    `db:"from_holder"`
	To        string    `db:"to_holder"`
	Amount    int64     `db:"amount"`
	Reference string    `db:"reference"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) CreateEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ledger_entries (id, asset, from_holder, to_holder, amount, reference, created_at)
		VALUES (:id, :asset, :from_holder, :to_holder, :amount, :reference, :created_at)
	`, entryRow(entry))
	if err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func (s *Store) ListEntries(ctx context.Context, asset, holder string) ([]ledger.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, asset, from_holder, to_holder, amount, reference, created_at
		FROM ledger_entries
		WHERE ($1 = '' OR asset = $1)
		  AND ($2 = '' OR from_holder = $2 OR to_holder = $2)
		ORDER BY created_at
	`, asset, holder)
	if err != nil {
		return nil, err
	}

	result := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		result = append(result, ledger.Entry(row))
	}
	return result, nil
}

// --- PriceFeedStore ---------------------------------------------------------

type feedRow struct {
	ID               string    `db:"id"`
	BaseAsset        string    `db:"base_asset"`
	QuoteAsset       string    `db:"quote_asset"`
	Pair             string    `db:"pair"`
	UpdateInterval   string    `db:"update_interval"`
	DeviationPercent float64   `db:"deviation_percent"`
	Heartbeat        string    `db:"heartbeat_interval"`
	Active           bool      `db:"active"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func toFeedRow(feed pricefeed.Feed) feedRow {
	return feedRow{
		ID:               feed.ID,
		BaseAsset:        feed.BaseAsset,
		QuoteAsset:       feed.QuoteAsset,
		Pair:             feed.Pair,
		UpdateInterval:   feed.UpdateInterval,
		DeviationPercent: feed.DeviationPercent,
		Heartbeat:        feed.Heartbeat,
		Active:           feed.Active,
		CreatedAt:        feed.CreatedAt,
		UpdatedAt:        feed.UpdatedAt,
	}
}

func (r feedRow) toDomain() pricefeed.Feed {
	return pricefeed.Feed{
		ID:               r.ID,
		BaseAsset:        r.BaseAsset,
		QuoteAsset:       r.QuoteAsset,
		Pair:             r.Pair,
		UpdateInterval:   r.UpdateInterval,
		DeviationPercent: r.DeviationPercent,
		Heartbeat:        r.Heartbeat,
		Active:           r.Active,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO price_feeds (id, base_asset, quote_asset, pair, update_interval, deviation_percent, heartbeat_interval, active, created_at, updated_at)
		VALUES (:id, :base_asset, :quote_asset, :pair, :update_interval, :deviation_percent, :heartbeat_interval, :active, :created_at, :updated_at)
	`, toFeedRow(feed))
	if err != nil {
		return pricefeed.Feed{}, err
	}
	return feed, nil
}

func (s *Store) UpdatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	existing, err := s.GetPriceFeed(ctx, feed.ID)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	feed.BaseAsset = existing.BaseAsset
	feed.QuoteAsset = existing.QuoteAsset
	feed.Pair = existing.Pair
	feed.CreatedAt = existing.CreatedAt
	feed.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE price_feeds
		SET update_interval = :update_interval, deviation_percent = :deviation_percent,
			heartbeat_interval = :heartbeat_interval, active = :active, updated_at = :updated_at
		WHERE id = :id
	`, toFeedRow(feed))
	if err != nil {
		return pricefeed.Feed{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return pricefeed.Feed{}, sql.ErrNoRows
	}
	return feed, nil
}

func (s *Store) GetPriceFeed(ctx context.Context, id string) (pricefeed.Feed, error) {
	var row feedRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, base_asset, quote_asset, pair, update_interval, deviation_percent, heartbeat_interval, active, created_at, updated_at
		FROM price_feeds
		WHERE id = $1
	`, id)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListPriceFeeds(ctx context.Context) ([]pricefeed.Feed, error) {
	var rows []feedRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, base_asset, quote_asset, pair, update_interval, deviation_percent, heartbeat_interval, active, created_at, updated_at
		FROM price_feeds
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}

	result := make([]pricefeed.Feed, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

type snapshotRow struct {
	ID          string    `db:"id"`
	FeedID      string    `db:"feed_id"`
	Price       float64   `db:"price"`
	Source      string    `db:"source"`
	CollectedAt time.Time `db:"collected_at"`
	CreatedAt   time.Time `db:"created_at"`
}

func (s *Store) CreatePriceSnapshot(ctx context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	snap.CreatedAt = now
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = now
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO price_feed_snapshots (id, feed_id, price, source, collected_at, created_at)
		VALUES (:id, :feed_id, :price, :source, :collected_at, :created_at)
	`, snapshotRow(snap))
	if err != nil {
		return pricefeed.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) ListPriceSnapshots(ctx context.Context, feedID string) ([]pricefeed.Snapshot, error) {
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, feed_id, price, source, collected_at, created_at
		FROM price_feed_snapshots
		WHERE feed_id = $1
		ORDER BY collected_at DESC
	`, feedID)
	if err != nil {
		return nil, err
	}

	result := make([]pricefeed.Snapshot, 0, len(rows))
	for _, row := range rows {
		result = append(result, pricefeed.Snapshot(row))
	}
	return result, nil
}

func (s *Store) LatestPriceSnapshot(ctx context.Context, feedID string) (pricefeed.Snapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, feed_id, price, source, collected_at, created_at
		FROM price_feed_snapshots
		WHERE feed_id = $1
		ORDER BY collected_at DESC
		LIMIT 1
	`, feedID)
	if err != nil {
		return pricefeed.Snapshot{}, err
	}
	return pricefeed.Snapshot(row), nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
