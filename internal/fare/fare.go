// Package fare prices a trip from its endpoints and vehicle class.
package fare

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// AverageSpeedKmh is the assumed door-to-door speed used for duration.
const AverageSpeedKmh = 40.0

type Rate struct {
	Base  decimal.Decimal
	PerKm decimal.Decimal
}

var rates = map[models.VehicleType]Rate{
	models.VehicleEconomy: {Base: decimal.NewFromInt(50), PerKm: decimal.NewFromInt(10)},
	models.VehicleSUV:     {Base: decimal.NewFromInt(120), PerKm: decimal.NewFromInt(18)},
	models.VehicleLuxury:  {Base: decimal.NewFromInt(200), PerKm: decimal.NewFromInt(25)},
}

// RateFor returns the tariff for a vehicle class.
func RateFor(v models.VehicleType) (Rate, bool) {
	r, ok := rates[v]
	return r, ok
}

type Quote struct {
	DistanceKm      float64         `json:"distance_km"`
	Fare            decimal.Decimal `json:"fare"`
	DurationMinutes int             `json:"duration_minutes"`
}

// Estimate is pure: the same endpoints and vehicle always give the same quote.
func Estimate(pickup, destination models.Coord, v models.VehicleType) (Quote, error) {
	rate, ok := rates[v]
	if !ok {
		return Quote{}, fmt.Errorf("unknown vehicle type %q", v)
	}
	km := geo.HaversineKm(pickup.Lat, pickup.Lon, destination.Lat, destination.Lon)
	amount := rate.Base.Add(decimal.NewFromFloat(km).Mul(rate.PerKm)).Round(2)
	return Quote{
		DistanceKm:      km,
		Fare:            amount,
		DurationMinutes: int(km / AverageSpeedKmh * 60),
	}, nil
}
