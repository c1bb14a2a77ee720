package position

import (
	"context"
	"testing"

	ledgersvc "github.com/raisefi/offering_layer/internal/app/services/ledger"
	"github.com/raisefi/offering_layer/internal/app/storage/memory"
)

func TestAccrualScheduler_Lifecycle(t *testing.T) {
	store := memory.New()
	svc := New(store, ledgersvc.New(store, nil), Roles{}, nil, nil)

	sched := NewAccrualScheduler(svc, "@every 1h", nil)
	if sched.Name() == "" {
		t.Fatal("scheduler needs a name")
	}

	ctx := context.Background()
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Start is idempotent.
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestAccrualScheduler_RejectsBadSpec(t *testing.T) {
	store := memory.New()
	svc := New(store, ledgersvc.New(store, nil), Roles{}, nil, nil)

	sched := NewAccrualScheduler(svc, "not a spec", nil)
	if err := sched.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}
