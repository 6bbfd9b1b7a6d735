package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Filters narrows a candidate search. An empty VehicleTypeIDs slice
// matches any vehicle type. Online and approved are always required;
// unverified or offline drivers are never candidates.
type Filters struct {
	VehicleTypeIDs []string
}

func (f Filters) matchesVehicle(id string) bool {
	if len(f.VehicleTypeIDs) == 0 {
		return true
	}
	for _, v := range f.VehicleTypeIDs {
		if v == id {
			return true
		}
	}
	return false
}

// Candidate is a driver within the search radius, with the haversine
// distance from the pickup point.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// CandidateFinder is the lookup port used by the match selector.
type CandidateFinder interface {
	FindNearby(ctx context.Context, origin models.Coord, radiusKm float64, f Filters) ([]Candidate, error)
}

// Updater is the write side, fed by the location ingestion paths.
type Updater interface {
	Upsert(ctx context.Context, d models.Driver) error
}

// Index is an in-memory CandidateFinder for single-node deployments and
// tests.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(ctx context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, id)
}

// naive scan; in prod use geo-hash or H3
func (g *Index) FindNearby(ctx context.Context, origin models.Coord, radiusKm float64, f Filters) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online || !d.Approved {
			continue
		}
		if !f.matchesVehicle(d.VehicleTypeID) {
			continue
		}
		dist := HaversineKm(origin.Lat, origin.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{DriverID: d.ID, DistanceKm: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out, nil
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
