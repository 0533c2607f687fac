package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RideFilter narrows ListRides. Zero fields are ignored; time ranges are
// half-open [From, To).
type RideFilter struct {
	Statuses    []models.Status
	DriverID    string
	RiderID     string
	CreatedFrom time.Time
	CreatedTo   time.Time
	EndedFrom   time.Time
	EndedTo     time.Time
	Limit       int
}

type DriverFilter struct {
	OnlineOnly    bool
	AvailableOnly bool
	// WithLocation drops drivers that never reported a position.
	WithLocation bool
}

// Store persists riders, drivers, rides and the wallet ledger.
//
// The ride transition methods are compare-and-set operations: they report
// false (and no error) when the ride was not in the expected state, leaving
// the row untouched. Callers re-read the ride to find out why.
type Store interface {
	CreateRider(ctx context.Context, r *models.Rider) error
	GetRider(ctx context.Context, id string) (*models.Rider, error)

	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListDrivers(ctx context.Context, f DriverFilter) ([]models.Driver, error)
	SetDriverOnline(ctx context.Context, id string, online bool) error
	UpdateDriverLocation(ctx context.Context, id string, loc models.Coord) error

	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error)
	SetPaymentIntent(ctx context.Context, rideID, intentID string) error

	// AcceptRide moves requested -> accepted only while no driver is set,
	// and marks the driver unavailable.
	AcceptRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	StartRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	// CompleteRide credits the driver wallet with the ride fare, appends the
	// ledger entry and frees the driver, all in one unit.
	CompleteRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	// CancelRide moves from -> cancelled and frees any assigned driver.
	CancelRide(ctx context.Context, rideID string, from models.Status, at time.Time) (bool, error)
	// RateRide stores the rider's rating once and recomputes the driver's
	// average over every rated completed ride.
	RateRide(ctx context.Context, rideID, riderID string, rating int, feedback string) (bool, error)

	ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error)

	Ping(ctx context.Context) error
}

func rideCreditDescription(rideID string) string {
	return fmt.Sprintf("Payment for ride #%s", rideID)
}
