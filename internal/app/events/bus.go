// Package events carries notifications emitted by the offering engine.
// Observers (the websocket feed, tests) subscribe for visibility; delivery is
// best-effort and never required for correctness.
package events

import (
	"sync"
	"time"
)

// Event types emitted by the core services.
const (
	TypeInvestmentRecorded = "investment.recorded"
	TypeSaleCapReached     = "offering.cap_reached"
	TypeOfferingFinalized  = "offering.finalized"
	TypeOfferingCancelled  = "offering.cancelled"
	TypeRefundIssued       = "escrow.refund_issued"
	TypePositionRegistered = "position.registered"
	TypePeriodDistributed  = "position.period_distributed"
	TypePayoutClaimed      = "position.payout_claimed"
	TypeEmergencyUnlock    = "position.emergency_unlock"
	TypeFinalTokensClaimed = "position.final_claimed"
)

// Event is a single notification.
type Event struct {
	Type       string    `json:"type"`
	OfferingID string    `json:"offering_id"`
	Investor   string    `json:"investor,omitempty"`
	Asset      string    `json:"asset,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Period     int64     `json:"period,omitempty"`
	At         time.Time `json:"at"`
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than block publishers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish delivers an event to every current subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a buffered listener. The returned cancel function must
// be called to release it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}
