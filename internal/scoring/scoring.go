// Package scoring computes driver desirability scores for matching.
//
// A score is in [0, 100] and is the weighted sum of three terms:
// proximity (40%), rolling rating (35%), and estimated arrival time
// (25%). The weights are fixed constants and sum to 100.
package scoring

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	DistanceWeight = 40.0
	RatingWeight   = 35.0
	EtaWeight      = 25.0

	// AvgSpeedKmh is the urban speed heuristic used to derive ETA from
	// distance.
	AvgSpeedKmh = 30.0
	// MinEtaMinutes floors the ETA term so a zero-distance driver does
	// not produce a degenerate estimate.
	MinEtaMinutes = 1.0

	// DefaultRating applies when a driver has no rated trips in the
	// rolling window.
	DefaultRating = 4.5

	DefaultBatchSize = 5
)

// EtaMinutes converts a distance to the estimated arrival time in
// minutes at AvgSpeedKmh, floored at MinEtaMinutes.
func EtaMinutes(distanceKm float64) float64 {
	m := distanceKm / AvgSpeedKmh * 60
	if m < MinEtaMinutes {
		return MinEtaMinutes
	}
	return m
}

// Score computes the total candidate score. Monotonically decreasing in
// distance, strictly increasing in rating.
func Score(distanceKm, rating float64) float64 {
	distTerm := DistanceWeight * (1 / (1 + distanceKm))
	ratingTerm := (rating / 5.0) * RatingWeight
	etaTerm := EtaWeight * (1 / (1 + EtaMinutes(distanceKm)/10))
	s := distTerm + ratingTerm + etaTerm
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// RatingSource resolves a driver's rolling average rating (completed and
// rated trips over the last 30 days). ok is false when the driver has no
// history, in which case DefaultRating applies.
type RatingSource interface {
	AverageRating(ctx context.Context, driverID string) (rating float64, ok bool, err error)
}

// Engine scores candidate sets. Rating lookups are batched so one
// matching call issues at most BatchSize concurrent lookups; batching is
// load-shedding only and never changes the final order.
type Engine struct {
	Ratings   RatingSource
	BatchSize int
}

func NewEngine(ratings RatingSource, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{Ratings: ratings, BatchSize: batchSize}
}

// Rank scores every candidate and returns them ordered by descending
// score, ties broken by ascending driver id so results are reproducible.
func (e *Engine) Rank(ctx context.Context, cands []geo.Candidate) ([]models.DriverCandidate, error) {
	out := make([]models.DriverCandidate, len(cands))

	var firstErr error
	var errMu sync.Mutex
	for start := 0; start < len(cands); start += e.BatchSize {
		end := start + e.BatchSize
		if end > len(cands) {
			end = len(cands)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c := cands[i]
				rating := DefaultRating
				if e.Ratings != nil {
					r, ok, err := e.Ratings.AverageRating(ctx, c.DriverID)
					if err != nil {
						errMu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						errMu.Unlock()
						return
					}
					if ok {
						rating = r
					}
				}
				out[i] = models.DriverCandidate{
					DriverID:   c.DriverID,
					DistanceKm: c.DistanceKm,
					Rating:     rating,
					Score:      Score(c.DistanceKm, rating),
				}
			}(i)
		}
		wg.Wait()
		if firstErr != nil {
			return nil, firstErr
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

// Best returns the top-ranked candidate.
func (e *Engine) Best(ctx context.Context, cands []geo.Candidate) (models.DriverCandidate, error) {
	ranked, err := e.Rank(ctx, cands)
	if err != nil {
		return models.DriverCandidate{}, err
	}
	if len(ranked) == 0 {
		return models.DriverCandidate{}, nil
	}
	return ranked[0], nil
}
