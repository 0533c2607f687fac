package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens and pings a lib/pq pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("storage.Open", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return classify("storage.Ping", p.db.PingContext(ctx))
}

func (p *PostgresStore) CreateRider(ctx context.Context, r *models.Rider) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO riders (id, name, email, phone, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.Name, r.Email, r.Phone, r.CreatedAt)
	return classify("storage.CreateRider", err)
}

func (p *PostgresStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, email, phone, created_at FROM riders WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Email, &r.Phone, &r.CreatedAt)
	if err != nil {
		return nil, classify("storage.GetRider", err)
	}
	return &r, nil
}

const driverColumns = `id, name, phone, vehicle_type, vehicle_number, online, available, lat, lon, rating, wallet_balance, created_at, updated_at`

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	var lat, lon sql.NullFloat64
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: d.Location.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO drivers (`+driverColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.Name, d.Phone, d.VehicleType, d.VehicleNumber, d.Online, d.Available, lat, lon, d.Rating, d.WalletBalance, d.CreatedAt, d.UpdatedAt)
	return classify("storage.CreateDriver", err)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if err != nil {
		return nil, classify("storage.GetDriver", err)
	}
	return d, nil
}

func (p *PostgresStore) ListDrivers(ctx context.Context, f DriverFilter) ([]models.Driver, error) {
	var where []string
	if f.OnlineOnly {
		where = append(where, "online")
	}
	if f.AvailableOnly {
		where = append(where, "available")
	}
	if f.WithLocation {
		where = append(where, "lat IS NOT NULL AND lon IS NOT NULL")
	}
	q := `SELECT ` + driverColumns + ` FROM drivers`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classify("storage.ListDrivers", err)
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, classify("storage.ListDrivers", err)
		}
		out = append(out, *d)
	}
	return out, classify("storage.ListDrivers", rows.Err())
}

func (p *PostgresStore) SetDriverOnline(ctx context.Context, id string, online bool) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET online = $2, updated_at = now() WHERE id = $1`, id, online)
	return expectOne("storage.SetDriverOnline", res, err)
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET lat = $2, lon = $3, updated_at = now() WHERE id = $1`, id, loc.Lat, loc.Lon)
	return expectOne("storage.UpdateDriverLocation", res, err)
}

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, destination_lat, destination_lon,
	pickup_address, destination_address, vehicle_type, status, estimated_fare, distance_km, duration_minutes,
	rating, feedback, payment_intent_id, created_at, accepted_at, started_at, ended_at, cancelled_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		r.PickupAddress, r.DestinationAddress, r.VehicleType, r.Status, r.EstimatedFare, r.DistanceKm, r.DurationMinutes,
		r.Rating, r.Feedback, r.PaymentIntentID, r.CreatedAt, r.AcceptedAt, r.StartedAt, r.EndedAt, r.CancelledAt, r.UpdatedAt)
	return classify("storage.CreateRide", err)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if err != nil {
		return nil, classify("storage.GetRide", err)
	}
	return r, nil
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(ss))+")")
	}
	if f.DriverID != "" {
		where = append(where, "driver_id = "+arg(f.DriverID))
	}
	if f.RiderID != "" {
		where = append(where, "rider_id = "+arg(f.RiderID))
	}
	if !f.CreatedFrom.IsZero() {
		where = append(where, "created_at >= "+arg(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedTo))
	}
	if !f.EndedFrom.IsZero() {
		where = append(where, "ended_at >= "+arg(f.EndedFrom))
	}
	if !f.EndedTo.IsZero() {
		where = append(where, "ended_at < "+arg(f.EndedTo))
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("storage.ListRides", err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, classify("storage.ListRides", err)
		}
		out = append(out, *r)
	}
	return out, classify("storage.ListRides", rows.Err())
}

func (p *PostgresStore) SetPaymentIntent(ctx context.Context, rideID, intentID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET payment_intent_id = $2 WHERE id = $1`, rideID, intentID)
	return expectOne("storage.SetPaymentIntent", res, err)
}

// AcceptRide is the accept-race arbiter: the conditional UPDATE lets exactly
// one concurrent caller through.
func (p *PostgresStore) AcceptRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	const op = "storage.AcceptRide"
	ok := false
	err := p.inTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE rides
			SET status = 'accepted', driver_id = $2, accepted_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'requested' AND driver_id IS NULL`, rideID, driverID, at)
		if ok, err = oneRow(res, err); err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE drivers SET available = false, updated_at = $2 WHERE id = $1`, driverID, at)
		return err
	})
	return ok, err
}

func (p *PostgresStore) StartRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides
		SET status = 'in_progress', started_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'accepted' AND driver_id = $2`, rideID, driverID, at)
	ok, err := oneRow(res, err)
	return ok, classify("storage.StartRide", err)
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	const op = "storage.CompleteRide"
	ok := false
	err := p.inTx(ctx, op, func(tx *sql.Tx) error {
		var fare decimal.Decimal
		err := tx.QueryRowContext(ctx, `UPDATE rides
			SET status = 'completed', ended_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'in_progress' AND driver_id = $2
			RETURNING estimated_fare`, rideID, driverID, at).Scan(&fare)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE drivers
			SET wallet_balance = wallet_balance + $2, available = true, updated_at = $3
			WHERE id = $1`, driverID, fare, at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO transactions (user_id, ride_id, amount, type, description, created_at)
			VALUES ($1, $2, $3, 'credit', $4, $5)`, driverID, rideID, fare, rideCreditDescription(rideID), at); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (p *PostgresStore) CancelRide(ctx context.Context, rideID string, from models.Status, at time.Time) (bool, error) {
	const op = "storage.CancelRide"
	ok := false
	err := p.inTx(ctx, op, func(tx *sql.Tx) error {
		var driverID sql.NullString
		err := tx.QueryRowContext(ctx, `UPDATE rides
			SET status = 'cancelled', cancelled_at = $3, updated_at = $3
			WHERE id = $1 AND status = $2
			RETURNING driver_id`, rideID, from, at).Scan(&driverID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		if !driverID.Valid {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE drivers SET available = true, updated_at = $2 WHERE id = $1`, driverID.String, at)
		return err
	})
	return ok, err
}

func (p *PostgresStore) RateRide(ctx context.Context, rideID, riderID string, rating int, feedback string) (bool, error) {
	const op = "storage.RateRide"
	ok := false
	err := p.inTx(ctx, op, func(tx *sql.Tx) error {
		var driverID string
		err := tx.QueryRowContext(ctx, `UPDATE rides
			SET rating = $3, feedback = $4, updated_at = now()
			WHERE id = $1 AND rider_id = $2 AND status = 'completed' AND rating IS NULL AND driver_id IS NOT NULL
			RETURNING driver_id`, rideID, riderID, rating, feedback).Scan(&driverID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		// full recompute over the driver's rated history
		if _, err := tx.ExecContext(ctx, `UPDATE drivers SET rating = COALESCE((
				SELECT AVG(rating)::double precision FROM rides
				WHERE driver_id = $1 AND status = 'completed' AND rating IS NOT NULL
			), $2), updated_at = now()
			WHERE id = $1`, driverID, models.DefaultDriverRating); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, ride_id, amount, type, description, created_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, classify("storage.ListTransactions", err)
	}
	defer rows.Close()
	out := make([]models.Transaction, 0)
	for rows.Next() {
		var (
			t      models.Transaction
			rideID sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &rideID, &t.Amount, &t.Type, &t.Description, &t.CreatedAt); err != nil {
			return nil, classify("storage.ListTransactions", err)
		}
		if rideID.Valid {
			t.RideID = &rideID.String
		}
		out = append(out, t)
	}
	return out, classify("storage.ListTransactions", rows.Err())
}

func (p *PostgresStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(op, err)
	}
	return classify(op, tx.Commit())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDriver(s scanner) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lon sql.NullFloat64
	)
	if err := s.Scan(&d.ID, &d.Name, &d.Phone, &d.VehicleType, &d.VehicleNumber, &d.Online, &d.Available,
		&lat, &lon, &d.Rating, &d.WalletBalance, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		d.Location = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &d, nil
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r                                   models.Ride
		driverID                            sql.NullString
		rating                              sql.NullInt64
		accepted, started, ended, cancelled sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.RiderID, &driverID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.PickupAddress, &r.DestinationAddress, &r.VehicleType, &r.Status, &r.EstimatedFare, &r.DistanceKm, &r.DurationMinutes,
		&rating, &r.Feedback, &r.PaymentIntentID, &r.CreatedAt, &accepted, &started, &ended, &cancelled, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if driverID.Valid {
		r.DriverID = &driverID.String
	}
	if rating.Valid {
		v := int(rating.Int64)
		r.Rating = &v
	}
	r.AcceptedAt = nullTime(accepted)
	r.StartedAt = nullTime(started)
	r.EndedAt = nullTime(ended)
	r.CancelledAt = nullTime(cancelled)
	return &r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func oneRow(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func expectOne(op string, res sql.Result, err error) error {
	ok, err := oneRow(res, err)
	if err != nil {
		return classify(op, err)
	}
	if !ok {
		return errs.E(errs.NotFound, op, "no such row")
	}
	return nil
}

// classify maps driver errors onto errs kinds. Connectivity problems become
// StoreUnavailable; the core never retries them itself.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.NotFound, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return errs.Wrap(errs.StoreUnavailable, op, err)
		case "22":
			return errs.Wrap(errs.Validation, op, err)
		case "23":
			if pqErr.Code.Name() == "foreign_key_violation" {
				return errs.Wrap(errs.NotFound, op, err)
			}
			return errs.Wrap(errs.Validation, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return errs.Wrap(errs.StoreUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Store = (*PostgresStore)(nil)
