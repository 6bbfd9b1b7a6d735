// Package matcher selects the best driver for a pending request. It
// queries the geo index, scores candidates, and produces a ranked best
// match with a fare estimate. It never mutates ride state; assignment is
// the lifecycle's explicit confirmation step.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/scoring"
)

// ErrNoDriversAvailable means no candidate passed the filters. Callers
// may widen the radius or retry later.
var ErrNoDriversAvailable = errors.New("no drivers available")

// TierStore resolves pricing tiers and their compatible vehicle types.
type TierStore interface {
	Tier(ctx context.Context, id string) (models.Tier, error)
}

type Request struct {
	Location      models.Coord `json:"location"`
	TierID        string       `json:"tier_id,omitempty"`
	VehicleTypeID string       `json:"vehicle_type_id,omitempty"`
	RadiusKm      float64      `json:"radius_km,omitempty"`
}

type SearchCriteria struct {
	RadiusKm       float64  `json:"radius_km"`
	TierID         string   `json:"tier_id,omitempty"`
	VehicleTypeIDs []string `json:"vehicle_type_ids,omitempty"`
}

type Result struct {
	Driver        models.DriverCandidate `json:"matched_driver"`
	EtaMinutes    float64                `json:"eta_minutes"`
	EstimatedFare float64                `json:"estimated_fare"`
	Criteria      SearchCriteria         `json:"search_criteria"`
}

type Selector struct {
	Geo             geo.CandidateFinder
	Engine          *scoring.Engine
	Tiers           TierStore
	Recorder        *observability.MatchingRecorder
	DefaultRadiusKm float64
	Logger          *slog.Logger
}

// FindBestMatch scores every eligible nearby driver and returns the top
// candidate with ETA and fare estimates.
func (s *Selector) FindBestMatch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := s.findBestMatch(ctx, req)
	if s.Recorder != nil {
		s.Recorder.Observe(time.Since(start), failureReason(err))
	}
	return res, err
}

func (s *Selector) findBestMatch(ctx context.Context, req Request) (Result, error) {
	radius := req.RadiusKm
	if radius <= 0 {
		radius = s.DefaultRadiusKm
	}

	criteria := SearchCriteria{RadiusKm: radius, TierID: req.TierID}
	var tier models.Tier
	if req.TierID != "" {
		var err error
		tier, err = s.Tiers.Tier(ctx, req.TierID)
		if err != nil {
			return Result{}, fmt.Errorf("resolve tier %s: %w", req.TierID, err)
		}
	}

	// An explicit vehicle type wins; otherwise a tier expands to its
	// compatible set.
	switch {
	case req.VehicleTypeID != "":
		criteria.VehicleTypeIDs = []string{req.VehicleTypeID}
	case req.TierID != "":
		criteria.VehicleTypeIDs = tier.VehicleTypeIDs
	}

	cands, err := s.Geo.FindNearby(ctx, req.Location, radius, geo.Filters{VehicleTypeIDs: criteria.VehicleTypeIDs})
	if err != nil {
		return Result{}, fmt.Errorf("candidate search: %w", err)
	}
	if len(cands) == 0 {
		return Result{}, ErrNoDriversAvailable
	}

	best, err := s.Engine.Best(ctx, cands)
	if err != nil {
		return Result{}, fmt.Errorf("score candidates: %w", err)
	}

	eta := scoring.EtaMinutes(best.DistanceKm)
	fare := tier.BaseFare + tier.PerMinuteRate*eta + tier.PerMileRate*best.DistanceKm

	if s.Logger != nil {
		s.Logger.Info("match selected",
			"driver_id", best.DriverID,
			"score", best.Score,
			"distance_km", best.DistanceKm,
			"eta_minutes", eta,
			"candidates", len(cands),
		)
	}

	return Result{Driver: best, EtaMinutes: eta, EstimatedFare: fare, Criteria: criteria}, nil
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoDriversAvailable):
		return "no_drivers"
	default:
		return "error"
	}
}
