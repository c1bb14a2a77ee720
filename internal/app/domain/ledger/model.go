// Package ledger defines fungible balance bookkeeping for sale and payment
// assets.
package ledger

import "time"

// Balance is one holder's quantity of one asset, in base units.
type Balance struct {
	Asset     string
	Holder    string
	Amount    int64
	UpdatedAt time.Time
}

// Entry records a completed balance movement for audit purposes.
type Entry struct {
	ID        string
	Asset     string
	From      string
	To        string
	Amount    int64
	Reference string
	CreatedAt time.Time
}

// Mint entries use this pseudo-holder as their source.
const MintSource = "mint"
