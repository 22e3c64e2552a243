package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverLocation is a driver's last-known position plus the flags the
// matcher filters on. One record per driver, overwritten on every ping.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	LastPing  time.Time `json:"last_ping"`
	Heading   float64   `json:"heading,omitempty"`
	SpeedMps  float64   `json:"speed_mps,omitempty"`
}

// DriverProfile is read-only metadata owned by the identity service.
// We carry the subset the candidate filter and scorer need.
type DriverProfile struct {
	DriverID     string   `json:"driver_id"`
	Rating       float64  `json:"rating"` // 0..5
	TotalTrips   int      `json:"total_trips"`
	VehicleClass string   `json:"vehicle_class"`
	ServiceTypes []string `json:"service_types"`
}

func (p DriverProfile) Serves(serviceType string) bool {
	if serviceType == "" {
		return true
	}
	for _, s := range p.ServiceTypes {
		if s == serviceType {
			return true
		}
	}
	return false
}

// Candidate is a driver that survived filtering for one job, with the
// inputs the scorer needs.
type Candidate struct {
	DriverID     string  `json:"driver_id"`
	Loc          Coord   `json:"loc"`
	DistanceKm   float64 `json:"distance_km"`
	Rating       float64 `json:"rating"`
	TotalTrips   int     `json:"total_trips"`
	VehicleClass string  `json:"vehicle_class"`
	Score        float64 `json:"score"`
}

// Service types accepted on a job.
const (
	ServiceTaxi        = "taxi"
	ServiceDelivery    = "delivery"
	ServiceMarketplace = "marketplace"
)

// Priority controls search radius and rating floor.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Escalate returns the next tier up; urgent stays urgent.
func (p Priority) Escalate() Priority {
	switch p {
	case PriorityNormal:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

// Job statuses. Forward-only except the assigned→retrying→pending
// rollback performed by the stall sweeper.
const (
	JobPending      = "pending"
	JobMatching     = "matching"
	JobAssigned     = "assigned"
	JobRetrying     = "retrying"
	JobInProgress   = "in_progress"
	JobCompleted    = "completed"
	JobCancelled    = "cancelled"
	JobManualReview = "manual_review"
)

// Job is a ride booking or delivery order needing a driver.
type Job struct {
	ID           string     `json:"id"`
	Pickup       Coord      `json:"pickup"`
	Dropoff      *Coord     `json:"dropoff,omitempty"`
	VehicleClass string     `json:"vehicle_class,omitempty"`
	ServiceType  string     `json:"service_type"`
	Priority     Priority   `json:"priority"`
	Status       string     `json:"status"`
	DriverID     string     `json:"driver_id,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	ProgressAt   *time.Time `json:"progress_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobCancelled
}

// Assignment is the successful result of a match.
type Assignment struct {
	JobID      string  `json:"job_id"`
	DriverID   string  `json:"driver_id"`
	ETASeconds float64 `json:"eta_seconds"`
}

// Offer outcomes reported back by the driver channel.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
)

// MatchOffer is what gets pushed to a driver's device.
type MatchOffer struct {
	JobID       string  `json:"job_id"`
	DriverID    string  `json:"driver_id"`
	PickupLat   float64 `json:"pickup_lat"`
	PickupLon   float64 `json:"pickup_lon"`
	ServiceType string  `json:"service_type"`
	ETASeconds  float64 `json:"eta_seconds"`
	ExpiresAt   int64   `json:"expires_at"`
}

// Outbound dispatch events consumed by the notification service.
const (
	EventDriverOffered      = "driver_offered"
	EventNoDriversAvailable = "no_drivers_available"
	EventJobReassigned      = "job_reassigned"
)

type DispatchEvent struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	DriverID   string    `json:"driver_id,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	At         time.Time `json:"at"`
}
