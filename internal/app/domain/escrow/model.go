// Package escrow defines custody records for raised offering funds.
package escrow

import "time"

// Record is the per-offering escrow state. RefundsEnabled and Finalized are
// mutually exclusive terminal states; whichever transition happens first wins.
type Record struct {
	OfferingID     string
	Beneficiary    string
	RefundsEnabled bool
	Finalized      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HolderID is the ledger identity holding the offering's escrowed funds.
func (r Record) HolderID() string {
	return "escrow:" + r.OfferingID
}

// Deposit records one investor's contribution in one payment asset, kept so
// cancellation refunds can return exactly what was paid in.
type Deposit struct {
	OfferingID string
	InvestorID string
	Asset      string
	Amount     int64
	UpdatedAt  time.Time
}
