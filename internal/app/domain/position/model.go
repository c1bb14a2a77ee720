// Package position defines the interest-bearing position ledger model.
package position

import "time"

// Ledger is the per-offering interest-bearing holding state. One ledger
// exists per interest-enabled offering; positions within it are
// non-transferable by construction (no transfer operation exists).
type Ledger struct {
	OfferingID     string
	SaleAsset      string
	PayoutAsset    string
	PayoutPeriod   time.Duration
	APRBasisPoints int64
	MaturityTime   time.Time

	FirstPayoutDate time.Time
	CurrentPeriod   int64
	TotalEscrowed   int64
	TotalNormalized int64

	UnlockEnabled      bool
	PenaltyBasisPoints int64
	Paused             bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HolderID is the ledger identity custodying deposited sale assets and
// distributed payout funds.
func (l Ledger) HolderID() string {
	return "positions:" + l.OfferingID
}

// Armed reports whether the first payout date has been set and reached.
func (l Ledger) Armed(now time.Time) bool {
	return !l.FirstPayoutDate.IsZero() && !now.Before(l.FirstPayoutDate)
}

// Position is one investor's live claim: the sale-asset quantity held on
// their behalf plus the normalized payment value that produced it.
type Position struct {
	OfferingID        string
	InvestorID        string
	Deposited         int64
	NormalizedValue   int64
	LastClaimedPeriod int64
	EmergencyUnlocked bool
	ClaimedFinal      bool
	UpdatedAt         time.Time
}

// Exited reports whether the position is terminally closed. An exited
// position holds nothing and is excluded from all further distributions.
func (p Position) Exited() bool {
	return p.EmergencyUnlocked || p.ClaimedFinal
}

// Period records a single interest distribution: the funds amount and the
// total normalized value live at the moment of distribution. The snapshot is
// the denominator for every share computed for this period, regardless of
// exits that happen before the share is claimed.
type Period struct {
	OfferingID         string
	Index              int64
	Funds              int64
	NormalizedSnapshot int64
	DistributedAt      time.Time
}
