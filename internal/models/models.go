package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Coord struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Status is the closed set of ride states.
type Status string

const (
	StatusRequested  Status = "requested"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var Statuses = []Status{StatusRequested, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type VehicleType string

const (
	VehicleEconomy VehicleType = "economy"
	VehicleSUV     VehicleType = "suv"
	VehicleLuxury  VehicleType = "luxury"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleAdmin  Role = "admin"
)

// Actor is whoever is calling into the core.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type RideRequest struct {
	RiderID            string      `json:"rider_id" validate:"required"`
	Pickup             Coord       `json:"pickup"`
	Destination        Coord       `json:"destination"`
	PickupAddress      string      `json:"pickup_address" validate:"max=512"`
	DestinationAddress string      `json:"destination_address" validate:"max=512"`
	VehicleType        VehicleType `json:"vehicle_type" validate:"required,oneof=economy suv luxury"`
}

type Ride struct {
	ID                 string          `json:"id"`
	RiderID            string          `json:"rider_id"`
	DriverID           *string         `json:"driver_id"`
	Pickup             Coord           `json:"pickup"`
	Destination        Coord           `json:"destination"`
	PickupAddress      string          `json:"pickup_address"`
	DestinationAddress string          `json:"destination_address"`
	VehicleType        VehicleType     `json:"vehicle_type"`
	Status             Status          `json:"status"`
	EstimatedFare      decimal.Decimal `json:"estimated_fare"`
	DistanceKm         float64         `json:"distance_km"`
	DurationMinutes    int             `json:"duration_minutes"`
	Rating             *int            `json:"rating,omitempty"`
	Feedback           string          `json:"feedback,omitempty"`
	PaymentIntentID    string          `json:"-"`
	CreatedAt          time.Time       `json:"created_at"`
	AcceptedAt         *time.Time      `json:"accepted_at,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	EndedAt            *time.Time      `json:"ended_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// AssignedTo reports whether driverID is the ride's driver.
func (r *Ride) AssignedTo(driverID string) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

type Rider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name" validate:"required,max=128"`
	Email     string    `json:"email" validate:"omitempty,email"`
	Phone     string    `json:"phone" validate:"omitempty,max=32"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultDriverRating is what a driver shows before anyone rates them.
const DefaultDriverRating = 5.0

type Driver struct {
	ID            string          `json:"id"`
	Name          string          `json:"name" validate:"required,max=128"`
	Phone         string          `json:"phone" validate:"omitempty,max=32"`
	VehicleType   VehicleType     `json:"vehicle_type" validate:"required,oneof=economy suv luxury"`
	VehicleNumber string          `json:"vehicle_number" validate:"max=32"`
	Online        bool            `json:"online"`
	Available     bool            `json:"available"`
	Location      *Coord          `json:"location,omitempty"`
	Rating        float64         `json:"rating"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

type Transaction struct {
	ID          int64           `json:"id"`
	UserID      string          `json:"user_id"`
	RideID      *string         `json:"ride_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LocationUpdate is a single driver position ping.
type LocationUpdate struct {
	DriverID string    `json:"driver_id" validate:"required"`
	Location Coord     `json:"location"`
	At       time.Time `json:"at"`
}

type MatchOffer struct {
	RideID     string  `json:"ride_id"`
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	ETA        float64 `json:"eta_seconds"`
	Cost       float64 `json:"cost"`
}

// QueueStatus describes where a pending ride sits in the dispatch queue.
type QueueStatus struct {
	RideID        string `json:"ride_id"`
	Status        Status `json:"status"`
	InQueue       bool   `json:"in_queue"`
	Position      int    `json:"position,omitempty"`
	TotalWaiting  int    `json:"total_waiting"`
	OnlineDrivers int    `json:"online_drivers"`
}

// EarningsSummary is a driver's completed work for one day.
type EarningsSummary struct {
	DriverID       string          `json:"driver_id"`
	Day            string          `json:"day"`
	CompletedRides int             `json:"completed_rides"`
	TotalEarnings  decimal.Decimal `json:"total_earnings"`
	Rides          []Ride          `json:"rides"`
}
