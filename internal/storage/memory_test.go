package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestAssignDriverGuard(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, &models.Ride{ID: "r1", Status: models.StatusRequested})

	ok, err := m.AssignDriver(ctx, "r1", "d1", time.Now())
	if err != nil || !ok {
		t.Fatalf("first assign should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = m.AssignDriver(ctx, "r1", "d2", time.Now())
	if err != nil || ok {
		t.Fatalf("second assign should fail the guard: ok=%v err=%v", ok, err)
	}
	r, _ := m.GetRide(ctx, "r1")
	if r.DriverID != "d1" || r.Status != models.StatusDriverConfirmed {
		t.Fatalf("unexpected ride state %+v", r)
	}
}

func TestAssignDriverConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, &models.Ride{ID: "r1", Status: models.StatusRequested})

	const n = 16
	wins := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.AssignDriver(ctx, "r1", "d"+string(rune('a'+i)), time.Now())
			if err == nil && ok {
				wins <- "won"
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	if len(wins) != 1 {
		t.Fatalf("exactly one assign must win, got %d", len(wins))
	}
}

func TestTransitionStatusCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, &models.Ride{ID: "r1", Status: models.StatusDriverConfirmed, DriverID: "d1"})

	ok, _ := m.TransitionStatus(ctx, "r1", models.StatusDriverConfirmed, models.StatusAccepted, TransitionOpts{})
	if !ok {
		t.Fatal("transition from matching status should apply")
	}
	ok, _ = m.TransitionStatus(ctx, "r1", models.StatusDriverConfirmed, models.StatusRequested, TransitionOpts{ClearDriver: true})
	if ok {
		t.Fatal("stale transition must fail")
	}
	r, _ := m.GetRide(ctx, "r1")
	if r.Status != models.StatusAccepted || r.DriverID != "d1" {
		t.Fatalf("unexpected state after CAS loss %+v", r)
	}
}

func TestTransitionClearDriver(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, &models.Ride{ID: "r1", Status: models.StatusDriverConfirmed, DriverID: "d1", ConfirmedAt: time.Now()})

	ok, _ := m.TransitionStatus(ctx, "r1", models.StatusDriverConfirmed, models.StatusRequested, TransitionOpts{ClearDriver: true})
	if !ok {
		t.Fatal("release should apply")
	}
	r, _ := m.GetRide(ctx, "r1")
	if r.DriverID != "" || !r.ConfirmedAt.IsZero() {
		t.Fatalf("driver not released: %+v", r)
	}
}

func TestCancelRideWithRefundAtomicOutcome(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, &models.Ride{ID: "r1", RiderID: "p1", Status: models.StatusInProgress, DriverID: "d1", Fare: 18.50, Payment: models.PaymentPaid})
	m.SetWalletBalance("p1", 10)

	out, err := m.CancelRideWithRefund(ctx, "r1", models.StatusInProgress, models.CancellationRecord{
		RideID:          "r1",
		CancelledBy:     models.CancelledByDriver,
		Reason:          "vehicle breakdown",
		RefundAmount:    18.50,
		RefundProcessed: true,
	})
	if err != nil || !out.Applied {
		t.Fatalf("cancel should apply: out=%+v err=%v", out, err)
	}
	if out.WalletBalance != 28.50 {
		t.Fatalf("balance = %f, want 28.50", out.WalletBalance)
	}
	if out.TransactionID == "" {
		t.Fatal("expected a transaction id")
	}
	recs := m.Cancellations()
	if len(recs) != 1 || !recs[0].RefundProcessed || recs[0].RefundAmount != 18.50 {
		t.Fatalf("unexpected cancellation records %+v", recs)
	}
	r, _ := m.GetRide(ctx, "r1")
	if r.Status != models.StatusCancelled || r.Payment != models.PaymentRefunded {
		t.Fatalf("ride not cancelled: %+v", r)
	}
}

func TestCancelRideWithRefundCASMiss(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, &models.Ride{ID: "r1", RiderID: "p1", Status: models.StatusCompleted})

	out, err := m.CancelRideWithRefund(ctx, "r1", models.StatusInProgress, models.CancellationRecord{RideID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied {
		t.Fatal("cancel must not apply to a completed ride")
	}
	if bal, _ := m.WalletBalance(ctx, "p1"); bal != 0 {
		t.Fatalf("wallet must be untouched, got %f", bal)
	}
}
