// Package storage defines the persistence ports the orchestration core
// depends on, plus in-memory and Postgres implementations. Conditional
// updates on the ride row are the sole source of mutual exclusion across
// server instances.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// TransitionOpts carries the optional side effects of a status change.
type TransitionOpts struct {
	// ClearDriver releases the assignment together with the transition
	// (reject/expire paths).
	ClearDriver bool
	// FinalFare, when set, is written with the transition (complete).
	FinalFare *float64
	// Payment, when non-empty, updates the payment status.
	Payment models.PaymentStatus
	At      time.Time
}

// RideStore persists rides with compare-and-swap semantics on status and
// driver assignment.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)

	// AssignDriver moves a ride from requested to driver_confirmed and
	// sets the driver, but only if the ride is still requested with no
	// driver. Returns false when the guard fails.
	AssignDriver(ctx context.Context, rideID, driverID string, confirmedAt time.Time) (bool, error)

	// TransitionStatus applies from->to only if the ride is currently in
	// from. Returns false when the guard fails.
	TransitionStatus(ctx context.Context, rideID string, from, to models.RideStatus, opts TransitionOpts) (bool, error)

	// ListByStatus supports the optional expiry sweep.
	ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)
}

// CancelOutcome reports the result of the atomic cancel-with-refund
// write.
type CancelOutcome struct {
	Applied       bool
	WalletBalance float64
	TransactionID string
}

// RefundStore performs the cancellation write inside one transactional
// boundary: ride status to cancelled, cancellation record inserted, and
// the passenger wallet credited.
type RefundStore interface {
	CancelRideWithRefund(ctx context.Context, rideID string, from models.RideStatus, rec models.CancellationRecord) (CancelOutcome, error)
}

type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpsertDriver(ctx context.Context, d *models.Driver) error
}

// TierStore resolves pricing tiers.
type TierStore interface {
	Tier(ctx context.Context, id string) (models.Tier, error)
}

// HistoryStore records notification delivery summaries. Writes are
// best-effort from the dispatcher's point of view.
type HistoryStore interface {
	AppendHistory(ctx context.Context, h models.NotificationHistory) error
}

// WalletReader exposes balances for handlers and tests; credits happen
// only inside RefundStore's transaction.
type WalletReader interface {
	WalletBalance(ctx context.Context, userID string) (float64, error)
}
