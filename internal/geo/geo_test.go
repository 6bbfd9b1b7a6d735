package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Bogotá city centre to a point ~1 degree of longitude away at the
	// equator would be ~111km; same latitude offset here is shorter.
	d := HaversineKm(4.6097, -74.0817, 4.6097, -74.0360)
	if d < 4.5 || d > 5.5 {
		t.Fatalf("expected ~5km, got %f", d)
	}
}

func TestIndexFiltersOfflineAndUnapproved(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(context.Background(), models.Driver{ID: "on", Online: true, Approved: true, VehicleTypeID: "car"})
	idx.Upsert(context.Background(), models.Driver{ID: "off", Online: false, Approved: true, VehicleTypeID: "car"})
	idx.Upsert(context.Background(), models.Driver{ID: "unapproved", Online: true, Approved: false, VehicleTypeID: "car"})

	got, err := idx.FindNearby(context.Background(), models.Coord{}, 5, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "on" {
		t.Fatalf("expected only online approved driver, got %v", got)
	}
}

func TestIndexVehicleTypeFilter(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(context.Background(), models.Driver{ID: "car1", Online: true, Approved: true, VehicleTypeID: "car"})
	idx.Upsert(context.Background(), models.Driver{ID: "moto1", Online: true, Approved: true, VehicleTypeID: "motorcycle"})

	got, err := idx.FindNearby(context.Background(), models.Coord{}, 5, Filters{VehicleTypeIDs: []string{"motorcycle"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "moto1" {
		t.Fatalf("expected motorcycle driver, got %v", got)
	}
}

func TestIndexRespectsRadius(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(context.Background(), models.Driver{ID: "near", Loc: models.Coord{Lat: 0.01, Lon: 0}, Online: true, Approved: true})
	idx.Upsert(context.Background(), models.Driver{ID: "far", Loc: models.Coord{Lat: 1, Lon: 1}, Online: true, Approved: true})

	got, err := idx.FindNearby(context.Background(), models.Coord{}, 5, Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].DriverID != "near" {
		t.Fatalf("expected only the near driver, got %v", got)
	}
}
