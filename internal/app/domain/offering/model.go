// Package offering defines the fixed-window fundraising campaign model.
package offering

import "time"

// PaymentAsset whitelists a payment asset and the price feed used to
// normalize contributions made in it.
type PaymentAsset struct {
	Asset  string
	FeedID string
}

// Offering is a time-boxed fundraising campaign accepting payment value in
// exchange for a sale-asset claim. Configuration fields are immutable after
// creation; only the raise totals and lifecycle flags mutate.
type Offering struct {
	ID              string
	Name            string
	SaleAsset       string
	PaymentAssets   []PaymentAsset
	MinInvestment   int64
	MaxInvestment   int64
	StartTime       time.Time
	EndTime         time.Time
	MaturityTime    time.Time
	UnitPrice       float64
	FundraisingCap  int64
	SoftCap         int64
	Beneficiary     string
	InterestEnabled bool
	PayoutPeriod    time.Duration
	APRBasisPoints  int64
	PayoutAsset     string

	TotalRaised int64
	SaleClosed  bool
	Finalized   bool
	Cancelled   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HolderID is the ledger identity custodying an offering's sale-asset
// inventory until claims are delivered or registered.
func (o Offering) HolderID() string {
	return "offering:" + o.ID
}

// Open reports whether the sale window admits new investment at the given
// instant. Lifecycle flags are checked separately by the service.
func (o Offering) Open(now time.Time) bool {
	return !now.Before(o.StartTime) && now.Before(o.EndTime)
}

// PaymentFeed returns the price feed configured for a payment asset.
func (o Offering) PaymentFeed(asset string) (string, bool) {
	for _, p := range o.PaymentAssets {
		if p.Asset == asset {
			return p.FeedID, true
		}
	}
	return "", false
}

// Investment tracks one investor's cumulative stake in an offering.
type Investment struct {
	OfferingID    string
	InvestorID    string
	Invested      int64
	PendingTokens int64
	UpdatedAt     time.Time
}

// Stats summarises an offering's raise progress.
type Stats struct {
	OfferingID     string
	TotalRaised    int64
	FundraisingCap int64
	SoftCap        int64
	SoftCapReached bool
	Investors      int
	SaleClosed     bool
	Finalized      bool
	Cancelled      bool
}
