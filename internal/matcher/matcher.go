// Package matcher turns a pending ride into driver offers. It never assigns
// a driver itself: offers go out and the first driver to accept wins in the
// store.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// ratingPenaltySeconds is how many seconds of ETA one missing rating star
// is worth when ranking candidates.
const ratingPenaltySeconds = 30.0

type Drivers interface {
	FindCandidates(ctx context.Context, pickup models.Coord, radiusKm float64) ([]registry.Candidate, error)
	OnlineDrivers(ctx context.Context) ([]models.Driver, error)
}

type Config struct {
	RadiusKm float64
	TopN     int
}

type Engine struct {
	drivers Drivers
	eta     *eta.Estimator
	pub     dispatch.Publisher
	cfg     Config
	logger  *slog.Logger
}

func New(drivers Drivers, est *eta.Estimator, pub dispatch.Publisher, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 50
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 8
	}
	if est == nil {
		est = &eta.Estimator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{drivers: drivers, eta: est, pub: pub, cfg: cfg, logger: logger}
}

// Result reports what a dispatch round did.
type Result struct {
	RideID    string              `json:"ride_id"`
	Offers    []models.MatchOffer `json:"offers"`
	Broadcast bool                `json:"broadcast"`
	Notified  int                 `json:"notified"`
}

// RequestPayload is the body of a new_ride_request event.
type RequestPayload struct {
	PickupAddress      string             `json:"pickup_address"`
	DestinationAddress string             `json:"destination_address"`
	Pickup             models.Coord       `json:"pickup"`
	Destination        models.Coord       `json:"destination"`
	DistanceKm         float64            `json:"distance_km"`
	EstimatedFare      decimal.Decimal    `json:"estimated_fare"`
	VehicleType        models.VehicleType `json:"vehicle_type"`
	Offer              *models.MatchOffer `json:"offer,omitempty"`
}

// Dispatch ranks nearby candidates and offers the ride to the best TopN.
// With nobody in radius the request is broadcast to every online driver.
func (e *Engine) Dispatch(ctx context.Context, ride *models.Ride) (Result, error) {
	start := time.Now()
	res := Result{RideID: ride.ID}

	cands, err := e.drivers.FindCandidates(ctx, ride.Pickup, e.cfg.RadiusKm)
	if err != nil {
		return res, err
	}
	if len(cands) == 0 {
		online, err := e.drivers.OnlineDrivers(ctx)
		if err != nil {
			return res, err
		}
		e.pub.Broadcast(dispatch.Event{Type: dispatch.EventNewRideRequest, RideID: ride.ID, Data: payloadFor(ride, nil)})
		observability.BroadcastFallbacks.Inc()
		e.logger.Info("no drivers in radius, broadcasting", "ride_id", ride.ID, "radius_km", e.cfg.RadiusKm, "online_drivers", len(online))
		res.Broadcast = true
		res.Notified = len(online)
		return res, nil
	}

	res.Offers = e.Rank(ctx, ride, cands)
	if len(res.Offers) > e.cfg.TopN {
		res.Offers = res.Offers[:e.cfg.TopN]
	}
	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	for i := range res.Offers {
		offer := res.Offers[i]
		e.pub.SendTo(offer.DriverID, dispatch.Event{Type: dispatch.EventNewRideRequest, RideID: ride.ID, Data: payloadFor(ride, &offer)})
		observability.OffersTotal.Inc()
	}
	res.Notified = len(res.Offers)
	e.logger.Info("ride offered", "ride_id", ride.ID, "candidates", len(cands), "offers", len(res.Offers))
	return res, nil
}

// Rank orders candidates by cost = eta_seconds + 30*(5 - rating), cheapest
// first; ties go to the nearer driver, then the lower id.
func (e *Engine) Rank(ctx context.Context, ride *models.Ride, cands []registry.Candidate) []models.MatchOffer {
	offers := make([]models.MatchOffer, 0, len(cands))
	for _, c := range cands {
		etaSec := e.eta.Seconds(ctx, *c.Driver.Location, ride.Pickup)
		offers = append(offers, models.MatchOffer{
			RideID:     ride.ID,
			DriverID:   c.Driver.ID,
			DistanceKm: c.DistanceKm,
			ETA:        etaSec,
			Cost:       etaSec + ratingPenaltySeconds*(models.DefaultDriverRating-c.Driver.Rating),
		})
	}
	sort.SliceStable(offers, func(i, j int) bool {
		a, b := offers[i], offers[j]
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.DriverID < b.DriverID
	})
	return offers
}

func payloadFor(ride *models.Ride, offer *models.MatchOffer) RequestPayload {
	return RequestPayload{
		PickupAddress:      ride.PickupAddress,
		DestinationAddress: ride.DestinationAddress,
		Pickup:             ride.Pickup,
		Destination:        ride.Destination,
		DistanceKm:         ride.DistanceKm,
		EstimatedFare:      ride.EstimatedFare,
		VehicleType:        ride.VehicleType,
		Offer:              offer,
	}
}
