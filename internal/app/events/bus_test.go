package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: TypeInvestmentRecorded, OfferingID: "off-1", Amount: 100})

	select {
	case ev := <-ch:
		if ev.Type != TypeInvestmentRecorded || ev.OfferingID != "off-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.At.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after cancel")
	}
	// Second cancel is a no-op.
	cancel()
	bus.Publish(Event{Type: TypeRefundIssued, OfferingID: "off-1"})
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	defer cancel()

	// Overrun the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			bus.Publish(Event{Type: TypeSaleCapReached, OfferingID: "off-1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBus_NilSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(Event{Type: TypeOfferingFinalized})
}
