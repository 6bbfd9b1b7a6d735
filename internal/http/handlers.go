package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/match/request", s.handleMatchRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides", s.withIdempotency(s.handleCreateRide)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/confirm", s.withIdempotency(s.handleConfirmDriver)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/respond", s.withIdempotency(s.handleDriverRespond)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/advance", s.withIdempotency(s.handleAdvance)).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.withIdempotency(s.handleCancel)).Methods("POST")
	s.mux.HandleFunc("/api/v1/notify", s.withIdempotency(s.handleNotify)).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/matching/stats", s.handleMatchingStats).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) handleMatchRequest(w http.ResponseWriter, r *http.Request) {
	var req matcher.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.Matcher.FindBestMatch(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createRideRequest struct {
	RideID      string          `json:"ride_id"`
	RiderID     string          `json:"rider_id"`
	Kind        models.RideKind `json:"kind,omitempty"`
	Origin      models.Coord    `json:"origin"`
	Destination models.Coord    `json:"destination"`
	OriginAddr  string          `json:"origin_addr,omitempty"`
	DestAddr    string          `json:"dest_addr,omitempty"`
	TierID      string          `json:"tier_id,omitempty"`
	Fare        float64         `json:"fare,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RideID == "" {
		req.RideID = newID()
	}
	ride, err := s.Rides.Create(r.Context(), lifecycle.CreateCommand{
		ID:          req.RideID,
		RiderID:     req.RiderID,
		Kind:        req.Kind,
		Origin:      req.Origin,
		Destination: req.Destination,
		OriginAddr:  req.OriginAddr,
		DestAddr:    req.DestAddr,
		TierID:      req.TierID,
		Fare:        req.Fare,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type confirmRequest struct {
	DriverID    string `json:"driver_id"`
	RequesterID string `json:"requester_id,omitempty"`
}

func (s *Server) handleConfirmDriver(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	expiresAt, err := s.Rides.ConfirmDriver(r.Context(), rideID, req.DriverID, req.RequesterID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ride_id":    rideID,
		"driver_id":  req.DriverID,
		"status":     models.StatusDriverConfirmed,
		"expires_at": expiresAt,
	})
}

type respondRequest struct {
	DriverID   string `json:"driver_id"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	EtaMinutes int    `json:"eta_minutes,omitempty"`
}

func (s *Server) handleDriverRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ride, err := s.Rides.DriverRespond(r.Context(), lifecycle.RespondCommand{
		RideID:     mux.Vars(r)["ride_id"],
		DriverID:   req.DriverID,
		Action:     lifecycle.RespondAction(req.Action),
		Reason:     req.Reason,
		EtaMinutes: req.EtaMinutes,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type advanceRequest struct {
	DriverID  string  `json:"driver_id"`
	Step      string  `json:"step"`
	FinalFare float64 `json:"final_fare,omitempty"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ride, err := s.Rides.Advance(r.Context(), lifecycle.AdvanceCommand{
		RideID:    mux.Vars(r)["ride_id"],
		DriverID:  req.DriverID,
		Step:      lifecycle.Step(req.Step),
		FinalFare: req.FinalFare,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type cancelRequest struct {
	ActorID  string       `json:"actor_id"`
	Actor    string       `json:"actor"`
	Reason   string       `json:"reason,omitempty"`
	Notes    string       `json:"notes,omitempty"`
	Location models.Coord `json:"location,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.Rides.CancelWithRefund(r.Context(), lifecycle.CancelCommand{
		RideID:   mux.Vars(r)["ride_id"],
		ActorID:  req.ActorID,
		Actor:    models.CancelActor(req.Actor),
		Reason:   req.Reason,
		Notes:    req.Notes,
		Location: req.Location,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ride":           res.Ride,
		"refund_amount":  res.RefundAmount,
		"wallet_balance": res.WalletBalance,
		"transaction_id": res.TransactionID,
	})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var p dispatch.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.TargetUserID == "" {
		writeError(w, http.StatusBadRequest, "target_user_id required")
		return
	}
	results := s.Notifier.Dispatch(r.Context(), p)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var snap models.DriverSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if snap.ID == "" {
		writeError(w, http.StatusBadRequest, "driver id required")
		return
	}

	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), snap); err != nil {
			s.logger.Warn("location publish failed", "driver_id", snap.ID, "error", err)
		}
	}

	d := models.Driver{
		ID:            snap.ID,
		Loc:           snap.Loc,
		Rating:        snap.Rating,
		Online:        snap.Online,
		Approved:      snap.Approved,
		VehicleTypeID: snap.VehicleTypeID,
	}
	if s.Geo != nil {
		if err := s.Geo.Upsert(r.Context(), d); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	if s.Drivers != nil {
		if err := s.Drivers.UpsertDriver(r.Context(), &d); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	if snap.Online {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMatchingStats(w http.ResponseWriter, r *http.Request) {
	if s.Recorder == nil {
		writeError(w, http.StatusNotFound, "matching stats not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.Recorder.Snapshot())
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upgrade failed")
		return
	}
	s.WSReg.Add(driverID, conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain sentinels onto HTTP statuses; anything
// unrecognized is a 500 and gets logged with its full chain.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, matcher.ErrNoDriversAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidResponse):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrRequestNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrRequestExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, lifecycle.ErrDriverNotAvailable),
		errors.Is(err, lifecycle.ErrRideAlreadyHasDriver),
		errors.Is(err, lifecycle.ErrRideAlreadyAssigned),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrCannotRefundUnpaidRide):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
