package lifecycle

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type CancelCommand struct {
	RideID   string
	ActorID  string
	Actor    models.CancelActor
	Reason   string
	Notes    string
	Location models.Coord // where the cancellation happened
}

type CancelResult struct {
	Ride          *models.Ride
	RefundAmount  float64
	WalletBalance float64
	TransactionID string
}

// CancelWithRefund cancels a paid ride and credits the refund to the
// rider's wallet in one store transaction. The refund amount is always
// the fare recorded on the ride, never a client-supplied figure.
func (s *Service) CancelWithRefund(ctx context.Context, cmd CancelCommand) (*CancelResult, error) {
	ride, err := s.loadRide(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if ride.Status.Terminal() {
		return nil, ErrInvalidTransition
	}
	if ride.Payment != models.PaymentPaid {
		return nil, ErrCannotRefundUnpaidRide
	}

	amount := ride.FinalFare
	if amount <= 0 {
		amount = ride.Fare
	}
	rec := models.CancellationRecord{
		RideID:          ride.ID,
		CancelledBy:     cmd.Actor,
		Reason:          cmd.Reason,
		Notes:           cmd.Notes,
		RefundAmount:    amount,
		RefundProcessed: true,
		Location:        cmd.Location,
		CreatedAt:       s.Clock.Now(),
	}

	out, err := s.Refunds.CancelRideWithRefund(ctx, ride.ID, ride.Status, rec)
	if err != nil {
		return nil, fmt.Errorf("cancel with refund: %w", err)
	}
	if !out.Applied {
		return nil, ErrInvalidTransition
	}

	observability.RideTransitionsTotal.WithLabelValues(string(ride.Status), string(models.StatusCancelled)).Inc()
	observability.RefundsTotal.Inc()
	observability.RefundsAmount.Add(amount)
	s.publish(ctx, ride.ID, models.StatusCancelled, ride.DriverID)

	s.notify(ctx, dispatch.Payload{
		TargetUserID: ride.RiderID,
		Type:         "ride_cancelled",
		Title:        "Ride cancelled",
		Message:      fmt.Sprintf("Your ride was cancelled and %.2f was returned to your wallet.", amount),
		Data: map[string]string{
			"ride_id":        ride.ID,
			"refund_amount":  fmt.Sprintf("%.2f", amount),
			"wallet_balance": fmt.Sprintf("%.2f", out.WalletBalance),
			"transaction_id": out.TransactionID,
		},
	})
	if ride.DriverID != "" {
		s.notify(ctx, dispatch.Payload{
			TargetUserID: ride.DriverID,
			Type:         "ride_cancelled",
			Title:        "Ride cancelled",
			Message:      "The ride has been cancelled.",
			Data:         map[string]string{"ride_id": ride.ID},
		})
	}

	updated, err := s.loadRide(ctx, ride.ID)
	if err != nil {
		return nil, err
	}
	return &CancelResult{
		Ride:          updated,
		RefundAmount:  amount,
		WalletBalance: out.WalletBalance,
		TransactionID: out.TransactionID,
	}, nil
}
