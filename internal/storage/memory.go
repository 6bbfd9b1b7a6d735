package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore implements every persistence port in process memory. It is
// the test double and the zero-setup local mode; one mutex gives it the
// same linearizable conditional-update semantics the Postgres store gets
// from row-level guards.
type MemoryStore struct {
	mu            sync.Mutex
	rides         map[string]*models.Ride
	drivers       map[string]*models.Driver
	tiers         map[string]models.Tier
	ratings       map[string]float64
	wallets       map[string]float64
	cancellations []models.CancellationRecord
	history       []models.NotificationHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		drivers: make(map[string]*models.Driver),
		tiers:   make(map[string]models.Tier),
		ratings: make(map[string]float64),
		wallets: make(map[string]float64),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) AssignDriver(ctx context.Context, rideID, driverID string, confirmedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		return false, nil
	}
	r.DriverID = driverID
	r.Status = models.StatusDriverConfirmed
	r.ConfirmedAt = confirmedAt
	r.UpdatedAt = confirmedAt
	return true, nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, rideID string, from, to models.RideStatus, opts TransitionOpts) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	if opts.ClearDriver {
		r.DriverID = ""
		r.ConfirmedAt = time.Time{}
	}
	if opts.FinalFare != nil {
		r.FinalFare = *opts.FinalFare
	}
	if opts.Payment != "" {
		r.Payment = opts.Payment
	}
	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}
	r.UpdatedAt = at
	if to == models.StatusCancelled {
		r.CancelledAt = at
	}
	return true, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CancelRideWithRefund(ctx context.Context, rideID string, from models.RideStatus, rec models.CancellationRecord) (CancelOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return CancelOutcome{}, ErrNotFound
	}
	if r.Status != from || r.Status.Terminal() {
		return CancelOutcome{}, nil
	}
	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	r.Status = models.StatusCancelled
	r.Payment = models.PaymentRefunded
	r.CancelledAt = now
	r.UpdatedAt = now
	m.cancellations = append(m.cancellations, rec)
	m.wallets[r.RiderID] += rec.RefundAmount
	return CancelOutcome{
		Applied:       true,
		WalletBalance: m.wallets[r.RiderID],
		TransactionID: newTxID(),
	}, nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Tier(ctx context.Context, id string) (models.Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tiers[id]
	if !ok {
		return models.Tier{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) PutTier(t models.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[t.ID] = t
}

// AverageRating implements scoring.RatingSource.
func (m *MemoryStore) AverageRating(ctx context.Context, driverID string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ratings[driverID]
	return v, ok, nil
}

func (m *MemoryStore) SetRating(driverID string, rating float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings[driverID] = rating
}

func (m *MemoryStore) AppendHistory(ctx context.Context, h models.NotificationHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *MemoryStore) History() []models.NotificationHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.NotificationHistory, len(m.history))
	copy(out, m.history)
	return out
}

func (m *MemoryStore) Cancellations() []models.CancellationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CancellationRecord, len(m.cancellations))
	copy(out, m.cancellations)
	return out
}

func (m *MemoryStore) WalletBalance(ctx context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[userID], nil
}

func (m *MemoryStore) SetWalletBalance(userID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[userID] = balance
}

func newTxID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "wtx_" + hex.EncodeToString(b)
}
