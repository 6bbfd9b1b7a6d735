// Package lifecycle owns ride status transitions: confirmation of a
// matched driver, the bounded response window, the accept/execute path,
// and cancellation with refund. All mutual exclusion comes from
// conditional persistence writes; the service itself holds no locks and
// may run on many nodes at once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultResponseWindow is the time a confirmed driver has to respond
// before the ride is auto-released. Uniform across all ride kinds.
const DefaultResponseWindow = 2 * time.Minute

// Notifier is the slice of the dispatcher the lifecycle needs.
type Notifier interface {
	Dispatch(ctx context.Context, p dispatch.Payload) []dispatch.DeliveryResult
}

type Service struct {
	Rides    storage.RideStore
	Drivers  storage.DriverStore
	Refunds  storage.RefundStore
	Notify   Notifier
	Events   events.Publisher
	Payments payments.Capturer
	Clock    clock.Clock
	Window   time.Duration
	Logger   *slog.Logger
}

func NewService(rides storage.RideStore, drivers storage.DriverStore, refunds storage.RefundStore, notify Notifier, pub events.Publisher, capturer payments.Capturer, clk clock.Clock, window time.Duration, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if window <= 0 {
		window = DefaultResponseWindow
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if capturer == nil {
		capturer = payments.Nop{}
	}
	return &Service{
		Rides: rides, Drivers: drivers, Refunds: refunds,
		Notify: notify, Events: pub, Payments: capturer,
		Clock: clk, Window: window, Logger: logger,
	}
}

type CreateCommand struct {
	ID          string
	RiderID     string
	Kind        models.RideKind
	Origin      models.Coord
	Destination models.Coord
	OriginAddr  string
	DestAddr    string
	TierID      string
	Fare        float64
}

// Create enters a new ride in requested state.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Ride, error) {
	if cmd.ID == "" || cmd.RiderID == "" {
		return nil, ErrInvalidResponse
	}
	if cmd.Kind == "" {
		cmd.Kind = models.KindTransport
	}
	now := s.Clock.Now()
	r := &models.Ride{
		ID:          cmd.ID,
		RiderID:     cmd.RiderID,
		Kind:        cmd.Kind,
		Origin:      cmd.Origin,
		Destination: cmd.Destination,
		OriginAddr:  cmd.OriginAddr,
		DestAddr:    cmd.DestAddr,
		TierID:      cmd.TierID,
		Status:      models.StatusRequested,
		Fare:        cmd.Fare,
		Payment:     models.PaymentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Rides.CreateRide(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	return r, nil
}

// ConfirmDriver assigns a selected driver to a requested ride and opens
// the response window. Exactly one concurrent confirmation can win.
func (s *Service) ConfirmDriver(ctx context.Context, rideID, driverID, requesterID string) (time.Time, error) {
	d, err := s.Drivers.GetDriver(ctx, driverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return time.Time{}, ErrDriverNotAvailable
		}
		return time.Time{}, fmt.Errorf("load driver: %w", err)
	}
	if !d.Online || !d.Approved {
		return time.Time{}, ErrDriverNotAvailable
	}

	ride, err := s.loadRide(ctx, rideID)
	if err != nil {
		return time.Time{}, err
	}
	// Only the rider who owns the request may confirm a driver onto it.
	if requesterID != "" && requesterID != ride.RiderID {
		return time.Time{}, ErrRequestNotFound
	}
	if ride.DriverID != "" {
		return time.Time{}, ErrRideAlreadyHasDriver
	}

	now := s.Clock.Now()
	ok, err := s.Rides.AssignDriver(ctx, rideID, driverID, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("assign driver: %w", err)
	}
	if !ok {
		return time.Time{}, ErrRideAlreadyHasDriver
	}

	expiresAt := now.Add(s.Window)
	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusRequested), string(models.StatusDriverConfirmed)).Inc()
	s.publish(ctx, rideID, models.StatusDriverConfirmed, driverID)
	s.notify(ctx, dispatch.Payload{
		TargetUserID: driverID,
		Type:         "ride_offer",
		Title:        "New ride request",
		Message:      "You have a new ride request. Respond before it expires.",
		Data: map[string]string{
			"ride_id":    rideID,
			"rider_id":   ride.RiderID,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	})
	return expiresAt, nil
}

type RespondAction string

const (
	RespondAccept RespondAction = "accept"
	RespondReject RespondAction = "reject"
)

type RespondCommand struct {
	RideID     string
	DriverID   string
	Action     RespondAction
	Reason     string
	EtaMinutes int
}

// DriverRespond handles the confirmed driver's accept or reject. Expiry
// is evaluated here, lazily, before anything else.
func (s *Service) DriverRespond(ctx context.Context, cmd RespondCommand) (*models.Ride, error) {
	if cmd.Action != RespondAccept && cmd.Action != RespondReject {
		return nil, ErrInvalidResponse
	}

	ride, err := s.loadRide(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}

	ride, expired, err := s.expireIfPastDeadline(ctx, ride)
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrRequestExpired
	}

	if ride.Status != models.StatusDriverConfirmed {
		if ride.DriverID != "" && ride.DriverID != cmd.DriverID {
			return nil, ErrRideAlreadyAssigned
		}
		return nil, ErrRequestNotFound
	}
	if ride.DriverID != cmd.DriverID {
		return nil, ErrRideAlreadyAssigned
	}

	if cmd.Action == RespondReject {
		return s.rejectRide(ctx, ride, cmd.Reason)
	}
	return s.acceptRide(ctx, ride, cmd)
}

func (s *Service) acceptRide(ctx context.Context, ride *models.Ride, cmd RespondCommand) (*models.Ride, error) {
	now := s.Clock.Now()
	ok, err := s.Rides.TransitionStatus(ctx, ride.ID, models.StatusDriverConfirmed, models.StatusAccepted, storage.TransitionOpts{At: now})
	if err != nil {
		return nil, fmt.Errorf("accept ride: %w", err)
	}
	if !ok {
		// Lost the race: someone expired or re-assigned the ride between
		// our read and the write. Re-derive the caller's error.
		return nil, s.respondConflict(ctx, ride.ID, cmd.DriverID)
	}

	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusDriverConfirmed), string(models.StatusAccepted)).Inc()
	s.publish(ctx, ride.ID, models.StatusAccepted, cmd.DriverID)

	data := map[string]string{"ride_id": ride.ID, "driver_id": cmd.DriverID}
	if cmd.EtaMinutes > 0 {
		data["eta_minutes"] = strconv.Itoa(cmd.EtaMinutes)
	}
	s.notify(ctx, dispatch.Payload{
		TargetUserID: ride.RiderID,
		Type:         "driver_accepted",
		Title:        "Driver on the way",
		Message:      "Your driver accepted the request.",
		Data:         data,
	})
	return s.loadRide(ctx, ride.ID)
}

func (s *Service) rejectRide(ctx context.Context, ride *models.Ride, reason string) (*models.Ride, error) {
	now := s.Clock.Now()
	ok, err := s.Rides.TransitionStatus(ctx, ride.ID, models.StatusDriverConfirmed, models.StatusRequested, storage.TransitionOpts{ClearDriver: true, At: now})
	if err != nil {
		return nil, fmt.Errorf("reject ride: %w", err)
	}
	if !ok {
		return nil, s.respondConflict(ctx, ride.ID, ride.DriverID)
	}

	observability.RideTransitionsTotal.WithLabelValues(string(models.StatusDriverConfirmed), string(models.StatusRequested)).Inc()
	s.publish(ctx, ride.ID, models.StatusRequested, "")
	s.notify(ctx, dispatch.Payload{
		TargetUserID: ride.RiderID,
		Type:         "driver_rejected",
		Title:        "Searching again",
		Message:      "The driver declined; we are finding you another one.",
		Data:         map[string]string{"ride_id": ride.ID, "reason": reason},
	})
	return s.loadRide(ctx, ride.ID)
}

// respondConflict reloads the ride after a CAS miss and maps the
// observed state to the right domain error.
func (s *Service) respondConflict(ctx context.Context, rideID, driverID string) error {
	ride, err := s.loadRide(ctx, rideID)
	if err != nil {
		return err
	}
	switch {
	case ride.Status == models.StatusRequested:
		return ErrRequestExpired
	case ride.DriverID != "" && ride.DriverID != driverID:
		return ErrRideAlreadyAssigned
	default:
		return ErrRequestNotFound
	}
}

// Step is a driver-initiated progress action after acceptance.
type Step string

const (
	StepArrive   Step = "arrive"
	StepStart    Step = "start"
	StepPickup   Step = "pickup"
	StepComplete Step = "complete"
)

type AdvanceCommand struct {
	RideID    string
	DriverID  string
	Step      Step
	FinalFare float64 // required for complete
}

// Advance moves an accepted ride through arrive/start/(pickup)/complete.
func (s *Service) Advance(ctx context.Context, cmd AdvanceCommand) (*models.Ride, error) {
	ride, err := s.loadRide(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != cmd.DriverID {
		return nil, ErrRideAlreadyAssigned
	}

	from, to, err := stepTransition(ride, cmd.Step)
	if err != nil {
		return nil, err
	}

	opts := storage.TransitionOpts{At: s.Clock.Now()}
	if cmd.Step == StepComplete {
		if cmd.FinalFare <= 0 {
			return nil, ErrInvalidResponse
		}
		if ride.PaymentRef != "" {
			if err := s.Payments.Capture(ctx, ride.PaymentRef); err != nil {
				return nil, fmt.Errorf("capture payment: %w", err)
			}
		}
		fare := cmd.FinalFare
		opts.FinalFare = &fare
		opts.Payment = models.PaymentPaid
	}

	ok, err := s.Rides.TransitionStatus(ctx, cmd.RideID, from, to, opts)
	if err != nil {
		return nil, fmt.Errorf("advance ride: %w", err)
	}
	if !ok {
		return nil, ErrInvalidTransition
	}

	observability.RideTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.publish(ctx, cmd.RideID, to, cmd.DriverID)
	s.notify(ctx, dispatch.Payload{
		TargetUserID: ride.RiderID,
		Type:         "ride_" + string(cmd.Step),
		Title:        stepTitle(cmd.Step),
		Message:      stepMessage(cmd.Step),
		Data:         map[string]string{"ride_id": ride.ID, "status": string(to)},
	})
	return s.loadRide(ctx, cmd.RideID)
}

// stepTransition maps a step onto the status graph for the ride's kind.
// Deliveries and parcels pass through picked_up; transport and errands
// complete straight from in_progress.
func stepTransition(ride *models.Ride, step Step) (models.RideStatus, models.RideStatus, error) {
	hasPickup := ride.Kind == models.KindDelivery || ride.Kind == models.KindParcel
	switch step {
	case StepArrive:
		if ride.Status != models.StatusAccepted {
			return "", "", ErrInvalidTransition
		}
		return models.StatusAccepted, models.StatusDriverArrived, nil
	case StepStart:
		if ride.Status != models.StatusDriverArrived {
			return "", "", ErrInvalidTransition
		}
		return models.StatusDriverArrived, models.StatusInProgress, nil
	case StepPickup:
		if !hasPickup || ride.Status != models.StatusInProgress {
			return "", "", ErrInvalidTransition
		}
		return models.StatusInProgress, models.StatusPickedUp, nil
	case StepComplete:
		want := models.StatusInProgress
		if hasPickup {
			want = models.StatusPickedUp
		}
		if ride.Status != want {
			return "", "", ErrInvalidTransition
		}
		return want, models.StatusCompleted, nil
	default:
		return "", "", ErrInvalidResponse
	}
}

func stepTitle(step Step) string {
	switch step {
	case StepArrive:
		return "Driver arrived"
	case StepStart:
		return "Trip started"
	case StepPickup:
		return "Package picked up"
	case StepComplete:
		return "Trip completed"
	default:
		return "Ride update"
	}
}

func stepMessage(step Step) string {
	switch step {
	case StepArrive:
		return "Your driver is at the pickup point."
	case StepStart:
		return "Your trip is underway."
	case StepPickup:
		return "The courier has your package."
	case StepComplete:
		return "You have arrived. Thanks for riding."
	default:
		return ""
	}
}

// Get returns the ride after applying the lazy expiry check; reads of a
// driver_confirmed ride past its deadline observe the released state.
func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.loadRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	ride, _, err = s.expireIfPastDeadline(ctx, ride)
	return ride, err
}

// expireIfPastDeadline applies the driver_confirmed -> requested release
// when the response window has elapsed. The conditional write ensures
// concurrent checks release (and notify) at most once.
func (s *Service) expireIfPastDeadline(ctx context.Context, ride *models.Ride) (*models.Ride, bool, error) {
	if ride.Status != models.StatusDriverConfirmed || ride.ConfirmedAt.IsZero() {
		return ride, false, nil
	}
	deadline := ride.ConfirmedAt.Add(s.Window)
	if s.Clock.Now().Before(deadline) {
		return ride, false, nil
	}

	ok, err := s.Rides.TransitionStatus(ctx, ride.ID, models.StatusDriverConfirmed, models.StatusRequested, storage.TransitionOpts{ClearDriver: true, At: s.Clock.Now()})
	if err != nil {
		return nil, false, fmt.Errorf("expire ride: %w", err)
	}
	if ok {
		observability.RequestsExpiredTotal.Inc()
		observability.RideTransitionsTotal.WithLabelValues(string(models.StatusDriverConfirmed), string(models.StatusRequested)).Inc()
		s.publish(ctx, ride.ID, models.StatusRequested, "")
		s.notify(ctx, dispatch.Payload{
			TargetUserID: ride.RiderID,
			Type:         "request_expired",
			Title:        "Driver did not respond",
			Message:      "The driver did not respond in time; we are searching again.",
			Data:         map[string]string{"ride_id": ride.ID},
		})
	}
	reloaded, err := s.loadRide(ctx, ride.ID)
	if err != nil {
		return nil, false, err
	}
	return reloaded, true, nil
}

func (s *Service) loadRide(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("load ride: %w", err)
	}
	return ride, nil
}

func (s *Service) publish(ctx context.Context, rideID string, status models.RideStatus, driverID string) {
	ev := events.StatusEvent{RideID: rideID, Status: status, DriverID: driverID, At: s.Clock.Now()}
	if err := s.Events.PublishStatus(ctx, ev); err != nil && s.Logger != nil {
		s.Logger.Warn("status event publish failed", "ride_id", rideID, "status", string(status), "error", err)
	}
}

func (s *Service) notify(ctx context.Context, p dispatch.Payload) {
	if s.Notify == nil {
		return
	}
	s.Notify.Dispatch(ctx, p)
}
