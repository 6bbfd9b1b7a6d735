package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore backs every persistence port with Postgres. Conditional
// UPDATE ... WHERE status = $from is what makes concurrent transitions
// safe across server instances.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(id, rider_id, driver_id, kind, origin_lat, origin_lon, dest_lat, dest_lon,
			origin_addr, dest_addr, tier_id, status, fare, final_fare, payment_status, payment_ref,
			confirmed_at, created_at, updated_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NULL,$17,$18)`,
		r.ID, r.RiderID, r.DriverID, string(r.Kind),
		r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		r.OriginAddr, r.DestAddr, r.TierID, string(r.Status),
		r.Fare, r.FinalFare, string(r.Payment), r.PaymentRef,
		r.CreatedAt, r.UpdatedAt)
	return err
}

const rideColumns = `id, rider_id, COALESCE(driver_id, ''), kind, origin_lat, origin_lon, dest_lat, dest_lon,
	origin_addr, dest_addr, tier_id, status, fare, final_fare, payment_status, COALESCE(payment_ref, ''),
	confirmed_at, created_at, updated_at, cancelled_at`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func scanRide(row *sql.Row) (*models.Ride, error) {
	var r models.Ride
	var kind, status, payment string
	var confirmedAt, cancelledAt sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID, &kind,
		&r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.OriginAddr, &r.DestAddr, &r.TierID, &status,
		&r.Fare, &r.FinalFare, &payment, &r.PaymentRef,
		&confirmedAt, &r.CreatedAt, &r.UpdatedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind = models.RideKind(kind)
	r.Status = models.RideStatus(status)
	r.Payment = models.PaymentStatus(payment)
	if confirmedAt.Valid {
		r.ConfirmedAt = confirmedAt.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = cancelledAt.Time
	}
	return &r, nil
}

func (p *PostgresStore) AssignDriver(ctx context.Context, rideID, driverID string, confirmedAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET driver_id = $1, status = $2, confirmed_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5 AND driver_id IS NULL`,
		driverID, string(models.StatusDriverConfirmed), confirmedAt,
		rideID, string(models.StatusRequested))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, rideID string, from, to models.RideStatus, opts TransitionOpts) (bool, error) {
	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}
	q := `UPDATE rides SET status = $1, updated_at = $2`
	args := []any{string(to), at}
	if opts.ClearDriver {
		q += `, driver_id = NULL, confirmed_at = NULL`
	}
	if opts.FinalFare != nil {
		args = append(args, *opts.FinalFare)
		q += fmt.Sprintf(`, final_fare = $%d`, len(args))
	}
	if opts.Payment != "" {
		args = append(args, string(opts.Payment))
		q += fmt.Sprintf(`, payment_status = $%d`, len(args))
	}
	if to == models.StatusCancelled {
		q += `, cancelled_at = $2`
	}
	args = append(args, rideID)
	q += fmt.Sprintf(` WHERE id = $%d`, len(args))
	args = append(args, string(from))
	q += fmt.Sprintf(` AND status = $%d`, len(args))

	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM rides WHERE status = $1 ORDER BY confirmed_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0, len(ids))
	for _, id := range ids {
		r, err := p.GetRide(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CancelRideWithRefund performs the cancellation, the cancellation
// record insert, and the wallet credit in one transaction. Either all
// three commit or none do.
func (p *PostgresStore) CancelRideWithRefund(ctx context.Context, rideID string, from models.RideStatus, rec models.CancellationRecord) (CancelOutcome, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return CancelOutcome{}, err
	}
	defer tx.Rollback()

	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	var riderID string
	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET status = $1, payment_status = $2, cancelled_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(models.StatusCancelled), string(models.PaymentRefunded), now, rideID, string(from))
	if err != nil {
		return CancelOutcome{}, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return CancelOutcome{}, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT rider_id FROM rides WHERE id = $1`, rideID).Scan(&riderID); err != nil {
		return CancelOutcome{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cancellations(ride_id, cancelled_by, reason, notes, refund_amount, refund_processed, lat, lon, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.RideID, string(rec.CancelledBy), rec.Reason, rec.Notes,
		rec.RefundAmount, rec.RefundProcessed, rec.Location.Lat, rec.Location.Lon, now)
	if err != nil {
		return CancelOutcome{}, err
	}

	var balance float64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallets(user_id, balance) VALUES($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance
		RETURNING balance`,
		riderID, rec.RefundAmount).Scan(&balance)
	if err != nil {
		return CancelOutcome{}, err
	}

	var txID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions(user_id, amount, reason, ref_type, ref_id, created_at)
		VALUES($1,$2,$3,'ride_cancellation',$4,$5) RETURNING id::text`,
		riderID, rec.RefundAmount, rec.Reason, rideID, now).Scan(&txID)
	if err != nil {
		return CancelOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return CancelOutcome{}, err
	}
	return CancelOutcome{Applied: true, WalletBalance: balance, TransactionID: txID}, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, lat, lon, rating, online, approved, vehicle_type_id, updated_at
		FROM drivers WHERE id = $1`, id)
	var d models.Driver
	err := row.Scan(&d.ID, &d.Loc.Lat, &d.Loc.Lon, &d.Rating, &d.Online, &d.Approved, &d.VehicleTypeID, &d.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers(id, lat, lon, rating, online, approved, vehicle_type_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET lat = $2, lon = $3, rating = $4, online = $5,
			approved = $6, vehicle_type_id = $7, updated_at = $8`,
		d.ID, d.Loc.Lat, d.Loc.Lon, d.Rating, d.Online, d.Approved, d.VehicleTypeID, d.Updated)
	return err
}

func (p *PostgresStore) Tier(ctx context.Context, id string) (models.Tier, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, base_fare, per_minute_rate, per_mile_rate FROM tiers WHERE id = $1`, id)
	var t models.Tier
	err := row.Scan(&t.ID, &t.Name, &t.BaseFare, &t.PerMinuteRate, &t.PerMileRate)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Tier{}, ErrNotFound
	}
	if err != nil {
		return models.Tier{}, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT vehicle_type_id FROM tier_vehicle_types WHERE tier_id = $1`, id)
	if err != nil {
		return models.Tier{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return models.Tier{}, err
		}
		t.VehicleTypeIDs = append(t.VehicleTypeIDs, v)
	}
	return t, rows.Err()
}

// AverageRating implements scoring.RatingSource with a rolling 30-day
// window over completed, rated trips.
func (p *PostgresStore) AverageRating(ctx context.Context, driverID string) (float64, bool, error) {
	var rating sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `
		SELECT AVG(rating) FROM ride_ratings
		WHERE driver_id = $1 AND created_at > NOW() - INTERVAL '30 days'`, driverID).Scan(&rating)
	if err != nil {
		return 0, false, err
	}
	if !rating.Valid {
		return 0, false, nil
	}
	return rating.Float64, true, nil
}

func (p *PostgresStore) AppendHistory(ctx context.Context, h models.NotificationHistory) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notification_history(user_id, type, title, message, push_ok, sms_ok, email_ok, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		h.UserID, h.Type, h.Title, h.Message,
		h.Delivered["push"], h.Delivered["sms"], h.Delivered["email"], h.CreatedAt)
	return err
}

func (p *PostgresStore) WalletBalance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
