package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []dispatch.Payload
}

func (n *recordingNotifier) Dispatch(ctx context.Context, p dispatch.Payload) []dispatch.DeliveryResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return []dispatch.DeliveryResult{{Channel: dispatch.ChannelPush, Success: true}}
}

func (n *recordingNotifier) byType(typ string) []dispatch.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []dispatch.Payload
	for _, p := range n.payloads {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

type countingCapturer struct {
	mu       sync.Mutex
	captures int
}

func (c *countingCapturer) Capture(ctx context.Context, id string) error {
	c.mu.Lock()
	c.captures++
	c.mu.Unlock()
	return nil
}

func (c *countingCapturer) Release(ctx context.Context, id string) error { return nil }

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *recordingNotifier, *clock.Fake) {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(store, store, store, notifier, nil, nil, clk, DefaultResponseWindow, nil)
	return svc, store, notifier, clk
}

func seedDriver(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	err := store.UpsertDriver(context.Background(), &models.Driver{
		ID: id, Online: true, Approved: true, VehicleTypeID: "sedan", Rating: 4.8,
	})
	if err != nil {
		t.Fatalf("seed driver: %v", err)
	}
}

func seedRide(t *testing.T, svc *Service, id string, kind models.RideKind) *models.Ride {
	t.Helper()
	r, err := svc.Create(context.Background(), CreateCommand{
		ID: id, RiderID: "rider-1", Kind: kind,
		Origin:      models.Coord{Lat: 4.60, Lon: -74.08},
		Destination: models.Coord{Lat: 4.65, Lon: -74.05},
		TierID:      "standard", Fare: 12.0,
	})
	if err != nil {
		t.Fatalf("seed ride: %v", err)
	}
	return r
}

func confirmAndAccept(t *testing.T, svc *Service, rideID, driverID string) {
	t.Helper()
	if _, err := svc.ConfirmDriver(context.Background(), rideID, driverID, "rider-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.DriverRespond(context.Background(), RespondCommand{RideID: rideID, DriverID: driverID, Action: RespondAccept}); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestConfirmDriverOpensResponseWindow(t *testing.T) {
	svc, store, notifier, clk := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)

	expiresAt, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "rider-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if want := clk.Now().Add(2 * time.Minute); !expiresAt.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", expiresAt, want)
	}

	r, err := svc.Get(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusDriverConfirmed || r.DriverID != "d1" {
		t.Fatalf("ride = %s driver=%q", r.Status, r.DriverID)
	}
	offers := notifier.byType("ride_offer")
	if len(offers) != 1 || offers[0].TargetUserID != "d1" {
		t.Fatalf("expected one offer to d1, got %+v", offers)
	}
	if offers[0].Data["expires_at"] == "" {
		t.Fatal("offer must carry the deadline")
	}
}

func TestConfirmDriverRejectsOfflineDriver(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedRide(t, svc, "r1", models.KindTransport)
	if err := store.UpsertDriver(context.Background(), &models.Driver{ID: "d1", Online: false, Approved: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "rider-1"); !errors.Is(err, ErrDriverNotAvailable) {
		t.Fatalf("err = %v, want ErrDriverNotAvailable", err)
	}
}

func TestConfirmDriverRejectsForeignRequester(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)

	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "someone-else"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("foreign requester: err = %v, want ErrRequestNotFound", err)
	}
	r, err := svc.Get(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		t.Fatalf("rejected confirm must not assign: status=%s driver=%q", r.Status, r.DriverID)
	}

	// The owning rider can still confirm.
	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "rider-1"); err != nil {
		t.Fatalf("owner confirm: %v", err)
	}
}

func TestConcurrentConfirmExactlyOneWinner(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedRide(t, svc, "r1", models.KindTransport)
	const n = 16
	for i := 0; i < n; i++ {
		seedDriver(t, store, driverID(i))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ConfirmDriver(context.Background(), "r1", driverID(i), "rider-1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRideAlreadyHasDriver):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func driverID(i int) string { return "d" + string(rune('a'+i)) }

func TestDriverAcceptTransitionsToAccepted(t *testing.T) {
	svc, store, notifier, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "rider-1"); err != nil {
		t.Fatal(err)
	}

	r, err := svc.DriverRespond(context.Background(), RespondCommand{RideID: "r1", DriverID: "d1", Action: RespondAccept, EtaMinutes: 7})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if r.Status != models.StatusAccepted {
		t.Fatalf("status = %s, want accepted", r.Status)
	}
	accepted := notifier.byType("driver_accepted")
	if len(accepted) != 1 || accepted[0].TargetUserID != "rider-1" {
		t.Fatalf("rider must be notified of acceptance: %+v", accepted)
	}
	if accepted[0].Data["eta_minutes"] != "7" {
		t.Fatalf("eta missing from notification: %+v", accepted[0].Data)
	}
}

func TestDriverRejectReleasesRide(t *testing.T) {
	svc, store, notifier, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "rider-1"); err != nil {
		t.Fatal(err)
	}

	r, err := svc.DriverRespond(context.Background(), RespondCommand{RideID: "r1", DriverID: "d1", Action: RespondReject, Reason: "too far"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		t.Fatalf("ride must return to requested with no driver: status=%s driver=%q", r.Status, r.DriverID)
	}
	if len(notifier.byType("driver_rejected")) != 1 {
		t.Fatal("rider must be told the driver declined")
	}

	// The released ride is matchable again.
	seedDriver(t, store, "d2")
	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d2", "rider-1"); err != nil {
		t.Fatalf("re-confirm after reject: %v", err)
	}
}

func TestRespondValidation(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedDriver(t, store, "d2")
	seedRide(t, svc, "r1", models.KindTransport)

	if _, err := svc.DriverRespond(context.Background(), RespondCommand{RideID: "r1", DriverID: "d1", Action: "maybe"}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
	if _, err := svc.DriverRespond(context.Background(), RespondCommand{RideID: "r1", DriverID: "d1", Action: RespondAccept}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("responding to an unconfirmed ride: err = %v, want ErrRequestNotFound", err)
	}

	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "rider-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DriverRespond(context.Background(), RespondCommand{RideID: "r1", DriverID: "d2", Action: RespondAccept}); !errors.Is(err, ErrRideAlreadyAssigned) {
		t.Fatalf("wrong driver responding: err = %v, want ErrRideAlreadyAssigned", err)
	}
	if _, err := svc.DriverRespond(context.Background(), RespondCommand{RideID: "missing", DriverID: "d1", Action: RespondAccept}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}

func TestResponseWindowExpiry(t *testing.T) {
	svc, store, notifier, clk := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "rider-1"); err != nil {
		t.Fatal(err)
	}

	// Still inside the window at T+119s.
	clk.Advance(119 * time.Second)
	r, err := svc.Get(context.Background(), "r1")
	if err != nil || r.Status != models.StatusDriverConfirmed {
		t.Fatalf("ride released too early: %v %v", r, err)
	}

	// Past the window at T+121s: any touch releases the ride.
	clk.Advance(2 * time.Second)
	if _, err := svc.DriverRespond(context.Background(), RespondCommand{RideID: "r1", DriverID: "d1", Action: RespondAccept}); !errors.Is(err, ErrRequestExpired) {
		t.Fatalf("late accept: err = %v, want ErrRequestExpired", err)
	}

	r, err = svc.Get(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		t.Fatalf("expired ride must be released: status=%s driver=%q", r.Status, r.DriverID)
	}
	if got := notifier.byType("request_expired"); len(got) != 1 || got[0].TargetUserID != "rider-1" {
		t.Fatalf("passenger must be notified exactly once: %+v", got)
	}

	// Further touches do not notify again.
	if _, err := svc.Get(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if len(notifier.byType("request_expired")) != 1 {
		t.Fatal("expiry notification must not repeat")
	}
}

func TestAdvanceTransportSequence(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	confirmAndAccept(t, svc, "r1", "d1")

	steps := []struct {
		step Step
		want models.RideStatus
	}{
		{StepArrive, models.StatusDriverArrived},
		{StepStart, models.StatusInProgress},
		{StepComplete, models.StatusCompleted},
	}
	for _, s := range steps {
		cmd := AdvanceCommand{RideID: "r1", DriverID: "d1", Step: s.step}
		if s.step == StepComplete {
			cmd.FinalFare = 14.25
		}
		r, err := svc.Advance(context.Background(), cmd)
		if err != nil {
			t.Fatalf("step %s: %v", s.step, err)
		}
		if r.Status != s.want {
			t.Fatalf("step %s: status = %s, want %s", s.step, r.Status, s.want)
		}
	}

	r, _ := svc.Get(context.Background(), "r1")
	if r.FinalFare != 14.25 || r.Payment != models.PaymentPaid {
		t.Fatalf("completion must record fare and mark paid: fare=%v payment=%s", r.FinalFare, r.Payment)
	}
}

func TestAdvanceDeliveryRequiresPickup(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindDelivery)
	confirmAndAccept(t, svc, "r1", "d1")

	for _, step := range []Step{StepArrive, StepStart} {
		if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: step}); err != nil {
			t.Fatalf("step %s: %v", step, err)
		}
	}

	// Deliveries cannot complete straight from in_progress.
	if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: StepComplete, FinalFare: 9}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete without pickup: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: StepPickup}); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	r, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: StepComplete, FinalFare: 9})
	if err != nil || r.Status != models.StatusCompleted {
		t.Fatalf("complete after pickup: %v %v", r, err)
	}
}

func TestAdvanceGuards(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	confirmAndAccept(t, svc, "r1", "d1")

	if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: StepStart}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start before arrive: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "other", Step: StepArrive}); !errors.Is(err, ErrRideAlreadyAssigned) {
		t.Fatalf("foreign driver: err = %v, want ErrRideAlreadyAssigned", err)
	}
	if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: StepPickup}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pickup on transport ride: err = %v, want ErrInvalidTransition", err)
	}
}

func TestCompleteCapturesHeldPayment(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	capt := &countingCapturer{}
	svc.Payments = capt
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	confirmAndAccept(t, svc, "r1", "d1")

	// Simulate an authorization hold placed at booking time.
	r, _ := store.GetRide(context.Background(), "r1")
	r.PaymentRef = "pi_123"
	if err := store.CreateRide(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	for _, step := range []Step{StepArrive, StepStart} {
		if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: step}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: StepComplete, FinalFare: 10}); err != nil {
		t.Fatal(err)
	}
	if capt.captures != 1 {
		t.Fatalf("captures = %d, want 1", capt.captures)
	}
}

func TestCancelWithRefundCreditsRecordedFare(t *testing.T) {
	svc, store, notifier, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	confirmAndAccept(t, svc, "r1", "d1")

	// Mark the ride paid with a recorded fare of 18.50 and seed the wallet.
	fare := 18.50
	if ok, err := store.TransitionStatus(context.Background(), "r1", models.StatusAccepted, models.StatusAccepted, storage.TransitionOpts{FinalFare: &fare, Payment: models.PaymentPaid}); err != nil || !ok {
		t.Fatal("test setup failed")
	}
	store.SetWalletBalance("rider-1", 10.00)

	res, err := svc.CancelWithRefund(context.Background(), CancelCommand{
		RideID: "r1", ActorID: "rider-1", Actor: models.CancelledByPassenger,
		Reason: "plans changed", Notes: "rider called support first",
		Location: models.Coord{Lat: 4.61, Lon: -74.08},
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.RefundAmount != 18.50 {
		t.Fatalf("refund = %v, want 18.50", res.RefundAmount)
	}
	if res.WalletBalance != 28.50 {
		t.Fatalf("balance = %v, want 28.50", res.WalletBalance)
	}
	if res.Ride.Status != models.StatusCancelled || res.Ride.Payment != models.PaymentRefunded {
		t.Fatalf("ride = %s/%s, want cancelled/refunded", res.Ride.Status, res.Ride.Payment)
	}

	recs := store.Cancellations()
	if len(recs) != 1 || !recs[0].RefundProcessed || recs[0].RefundAmount != 18.50 {
		t.Fatalf("cancellation record wrong: %+v", recs)
	}
	if recs[0].Notes != "rider called support first" {
		t.Fatalf("notes not recorded: %+v", recs[0])
	}
	if recs[0].Location.Lat != 4.61 || recs[0].Location.Lon != -74.08 {
		t.Fatalf("cancellation location not recorded: %+v", recs[0].Location)
	}
	if got := notifier.byType("ride_cancelled"); len(got) != 2 {
		t.Fatalf("both parties must be notified, got %d", len(got))
	}
}

func TestCancelRefusesUnpaidRide(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	confirmAndAccept(t, svc, "r1", "d1")

	_, err := svc.CancelWithRefund(context.Background(), CancelCommand{RideID: "r1", Actor: models.CancelledByPassenger})
	if !errors.Is(err, ErrCannotRefundUnpaidRide) {
		t.Fatalf("err = %v, want ErrCannotRefundUnpaidRide", err)
	}
	if bal, _ := store.WalletBalance(context.Background(), "rider-1"); bal != 0 {
		t.Fatalf("refused cancel must not touch the wallet, balance = %v", bal)
	}
}

func TestCancelRefusesTerminalRide(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedDriver(t, store, "d1")
	seedRide(t, svc, "r1", models.KindTransport)
	confirmAndAccept(t, svc, "r1", "d1")
	for _, step := range []Step{StepArrive, StepStart} {
		if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: step}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.Advance(context.Background(), AdvanceCommand{RideID: "r1", DriverID: "d1", Step: StepComplete, FinalFare: 11}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.CancelWithRefund(context.Background(), CancelCommand{RideID: "r1", Actor: models.CancelledByPassenger})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancelling a completed ride: err = %v, want ErrInvalidTransition", err)
	}
}

func TestSweepReleasesExpiredRides(t *testing.T) {
	svc, store, notifier, clk := newTestService(t)
	seedDriver(t, store, "d1")
	seedDriver(t, store, "d2")
	seedRide(t, svc, "r1", models.KindTransport)
	seedRide(t, svc, "r2", models.KindTransport)
	if _, err := svc.ConfirmDriver(context.Background(), "r1", "d1", "rider-1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(90 * time.Second)
	if _, err := svc.ConfirmDriver(context.Background(), "r2", "d2", "rider-1"); err != nil {
		t.Fatal(err)
	}

	// r1 is past its window, r2 is not.
	clk.Advance(45 * time.Second)
	sw := &Sweeper{Service: svc}
	sw.sweep(context.Background())

	r1, _ := store.GetRide(context.Background(), "r1")
	r2, _ := store.GetRide(context.Background(), "r2")
	if r1.Status != models.StatusRequested {
		t.Fatalf("r1 should be released, got %s", r1.Status)
	}
	if r2.Status != models.StatusDriverConfirmed {
		t.Fatalf("r2 should still be held, got %s", r2.Status)
	}
	if len(notifier.byType("request_expired")) != 1 {
		t.Fatal("only the expired ride should notify")
	}
}
