package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/raisefi/offering_layer/internal/app/storage/memory"
)

func TestService_MintAndTransfer(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	if err := svc.Mint(ctx, "USDT", "alice", 1_000, "seed"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := svc.Transfer(ctx, "USDT", "alice", "bob", 400, "payment"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	aliceBal, err := svc.Balance(ctx, "USDT", "alice")
	if err != nil {
		t.Fatalf("balance alice: %v", err)
	}
	if aliceBal != 600 {
		t.Fatalf("unexpected alice balance: %d", aliceBal)
	}
	bobBal, err := svc.Balance(ctx, "USDT", "bob")
	if err != nil {
		t.Fatalf("balance bob: %v", err)
	}
	if bobBal != 400 {
		t.Fatalf("unexpected bob balance: %d", bobBal)
	}

	entries, err := svc.Entries(ctx, "USDT", "")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestService_TransferInsufficientFunds(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	if err := svc.Mint(ctx, "USDT", "alice", 100, "seed"); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := svc.Transfer(ctx, "USDT", "alice", "bob", 200, "too much")
	if err == nil || !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// Neither balance may have moved.
	aliceBal, _ := svc.Balance(ctx, "USDT", "alice")
	if aliceBal != 100 {
		t.Fatalf("source balance changed: %d", aliceBal)
	}
	bobBal, _ := svc.Balance(ctx, "USDT", "bob")
	if bobBal != 0 {
		t.Fatalf("destination balance changed: %d", bobBal)
	}
}

func TestService_TransferValidation(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	if err := svc.Transfer(ctx, "USDT", "alice", "alice", 10, "self"); err == nil {
		t.Fatal("expected error for self transfer")
	}
	if err := svc.Transfer(ctx, "USDT", "alice", "bob", 0, "zero"); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if err := svc.Mint(ctx, "USDT", "alice", -5, "negative"); err == nil {
		t.Fatal("expected error for negative mint")
	}
}

func TestService_Balances(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	if err := svc.Mint(ctx, "USDT", "alice", 10, ""); err != nil {
		t.Fatalf("mint usdt: %v", err)
	}
	if err := svc.Mint(ctx, "TOKEN", "alice", 20, ""); err != nil {
		t.Fatalf("mint token: %v", err)
	}
	if err := svc.Mint(ctx, "TOKEN", "bob", 30, ""); err != nil {
		t.Fatalf("mint bob: %v", err)
	}

	bals, err := svc.Balances(ctx, "alice")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(bals) != 2 {
		t.Fatalf("expected 2 balances for alice, got %d", len(bals))
	}
}
