package models

import "time"

// Coord is a point on the marketplace's integer lattice.
type Coord struct {
	Latitude  int `json:"latitude"`
	Longitude int `json:"longitude"`
}

// RideStatus values are ordered; a ride only ever moves to the next one.
type RideStatus string

const (
	StatusMatching  RideStatus = "MATCHING"
	StatusEnroute   RideStatus = "ENROUTE"
	StatusPickup    RideStatus = "PICKUP"
	StatusCarrying  RideStatus = "CARRYING"
	StatusArrived   RideStatus = "ARRIVED"
	StatusCompleted RideStatus = "COMPLETED"
)

// StatusSequence is the only legal order of ride statuses.
var StatusSequence = []RideStatus{
	StatusMatching,
	StatusEnroute,
	StatusPickup,
	StatusCarrying,
	StatusArrived,
	StatusCompleted,
}

// Rank returns the position of s in StatusSequence, or -1 for unknown values.
func (s RideStatus) Rank() int {
	for i, v := range StatusSequence {
		if v == s {
			return i
		}
	}
	return -1
}

func (s RideStatus) Valid() bool { return s.Rank() >= 0 }

func (s RideStatus) Terminal() bool { return s == StatusCompleted }

// Audience identifies one side of a ride for notification delivery.
type Audience string

const (
	AudienceRider Audience = "app"
	AudienceChair Audience = "chair"
)

type Ride struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	ChairID      *string    `json:"chair_id,omitempty"`
	Pickup       Coord      `json:"pickup_coordinate"`
	Destination  Coord      `json:"destination_coordinate"`
	LatestStatus RideStatus `json:"latest_status"`
	Evaluation   *int       `json:"evaluation,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AssignedTo reports whether the ride is bound to chairID.
func (r *Ride) AssignedTo(chairID string) bool {
	return r.ChairID != nil && *r.ChairID == chairID
}

type RideStatusTransition struct {
	ID          string     `json:"id"`
	RideID      string     `json:"ride_id"`
	Status      RideStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	AppSentAt   *time.Time `json:"app_sent_at,omitempty"`
	ChairSentAt *time.Time `json:"chair_sent_at,omitempty"`
}

type Chair struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	Model         string    `json:"model"`
	IsActive      bool      `json:"is_active"`
	Location      *Coord    `json:"location,omitempty"`
	TotalDistance int       `json:"total_distance"`
	AccessToken   string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ChairModel struct {
	Name  string `json:"name"`
	Speed int    `json:"speed"`
}

type ChairLocation struct {
	ID        string    `json:"id"`
	ChairID   string    `json:"chair_id"`
	Coord     Coord     `json:"coordinate"`
	CreatedAt time.Time `json:"created_at"`
}

// AvailableChair is a dispatch candidate: an active, located chair with no
// ride in progress, joined with its model speed.
type AvailableChair struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Location Coord  `json:"current_coordinate"`
	Speed    int    `json:"speed"`
}

type ChairStats struct {
	TotalRidesCount    int     `json:"total_rides_count"`
	TotalEvaluationAvg float64 `json:"total_evaluation_avg"`
}

// StatsOf aggregates completed rides. A ride without an evaluation counts as
// zero.
func StatsOf(rides []Ride) ChairStats {
	var (
		stats ChairStats
		sum   int
	)
	for _, r := range rides {
		stats.TotalRidesCount++
		if r.Evaluation != nil {
			sum += *r.Evaluation
		}
	}
	if stats.TotalRidesCount > 0 {
		stats.TotalEvaluationAvg = float64(sum) / float64(stats.TotalRidesCount)
	}
	return stats
}

type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Firstname   string    `json:"firstname"`
	Lastname    string    `json:"lastname"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

func (u *User) DisplayName() string { return u.Firstname + " " + u.Lastname }

// CouponNewSignup is granted at registration and takes priority on a rider's
// first ride.
const CouponNewSignup = "CP_NEW2024"

type Coupon struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Code      string    `json:"code"`
	Discount  int       `json:"discount"`
	CreatedAt time.Time `json:"created_at"`
	UsedBy    *string   `json:"used_by,omitempty"`
}

type PaymentToken struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// TransitionEvent is published after a status transition commits.
type TransitionEvent struct {
	RideID     string     `json:"ride_id"`
	UserID     string     `json:"user_id"`
	ChairID    string     `json:"chair_id,omitempty"`
	Status     RideStatus `json:"status"`
	Evaluation int        `json:"evaluation,omitempty"`
	At         time.Time  `json:"at"`
}
