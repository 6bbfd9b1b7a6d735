package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideKind distinguishes the four order variants. They share one record
// shape and one lifecycle; only the advance steps differ (deliveries and
// parcels have a pickup step).
type RideKind string

const (
	KindTransport RideKind = "transport"
	KindDelivery  RideKind = "delivery"
	KindErrand    RideKind = "errand"
	KindParcel    RideKind = "parcel"
)

type RideStatus string

const (
	StatusRequested       RideStatus = "requested"
	StatusDriverConfirmed RideStatus = "driver_confirmed"
	StatusAccepted        RideStatus = "accepted"
	StatusDriverArrived   RideStatus = "driver_arrived"
	StatusInProgress      RideStatus = "in_progress"
	StatusPickedUp        RideStatus = "picked_up"
	StatusCompleted       RideStatus = "completed"
	StatusCancelled       RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type Ride struct {
	ID          string        `json:"id"`
	RiderID     string        `json:"rider_id"`
	DriverID    string        `json:"driver_id,omitempty"` // empty while unassigned
	Kind        RideKind      `json:"kind"`
	Origin      Coord         `json:"origin"`
	Destination Coord         `json:"destination"`
	OriginAddr  string        `json:"origin_addr,omitempty"`
	DestAddr    string        `json:"dest_addr,omitempty"`
	TierID      string        `json:"tier_id"`
	Status      RideStatus    `json:"status"`
	Fare        float64       `json:"fare"`
	FinalFare   float64       `json:"final_fare,omitempty"`
	Payment     PaymentStatus `json:"payment_status"`
	PaymentRef  string        `json:"payment_ref,omitempty"`
	ConfirmedAt time.Time     `json:"confirmed_at,omitempty"` // start of the driver response window
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CancelledAt time.Time     `json:"cancelled_at,omitempty"`
}

type Driver struct {
	ID            string    `json:"id"`
	Loc           Coord     `json:"loc"`
	Rating        float64   `json:"rating"` // 0..5
	Online        bool      `json:"online"`
	Approved      bool      `json:"approved"` // verification passed
	VehicleTypeID string    `json:"vehicle_type_id"`
	Updated       time.Time `json:"updated"`
}

// DriverCandidate is a scored candidate for one matching call. Derived,
// never persisted.
type DriverCandidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Rating     float64 `json:"rating"`
	Score      float64 `json:"score"`
}

// Tier is a pricing/service class compatible with a set of vehicle types.
type Tier struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	BaseFare       float64  `json:"base_fare"`
	PerMinuteRate  float64  `json:"per_minute_rate"`
	PerMileRate    float64  `json:"per_mile_rate"`
	VehicleTypeIDs []string `json:"vehicle_type_ids"`
}

type CancelActor string

const (
	CancelledByDriver    CancelActor = "driver"
	CancelledByPassenger CancelActor = "passenger"
	CancelledBySystem    CancelActor = "system"
)

// CancellationRecord is written once per cancellation and never updated.
type CancellationRecord struct {
	RideID          string      `json:"ride_id"`
	CancelledBy     CancelActor `json:"cancelled_by"`
	Reason          string      `json:"reason"`
	Notes           string      `json:"notes,omitempty"`
	RefundAmount    float64     `json:"refund_amount"`
	RefundProcessed bool        `json:"refund_processed"`
	Location        Coord       `json:"location"`
	CreatedAt       time.Time   `json:"created_at"`
}

// NotificationHistory aggregates the per-channel outcome of one
// notification call.
type NotificationHistory struct {
	UserID    string               `json:"user_id"`
	Type      string               `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Delivered map[string]bool      `json:"delivered"` // channel -> success
	SentAt    map[string]time.Time `json:"sent_at"`   // channel -> send time
	CreatedAt time.Time            `json:"created_at"`
}

// DriverSnapshot is the wire shape published on the driver-locations
// topic and consumed into the geo index.
type DriverSnapshot struct {
	ID            string  `json:"id"`
	Loc           Coord   `json:"loc"`
	Rating        float64 `json:"rating"`
	Online        bool    `json:"online"`
	Approved      bool    `json:"approved"`
	VehicleTypeID string  `json:"vehicle_type_id"`
}
