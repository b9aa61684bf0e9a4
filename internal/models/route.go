package models

import (
	"time"

	"github.com/google/uuid"
)

// TemplateSeat is one seat of a route's static vehicle seat template.
// Templates are owned by the fleet-management side; this service only reads
// them when building a fresh inventory.
type TemplateSeat struct {
	SeatNumber string  `json:"seat_number" db:"seat_number"`
	SeatType   string  `json:"seat_type" db:"seat_type"`
	IsBlocked  bool    `json:"is_blocked" db:"is_blocked"`
	BasePrice  float64 `json:"base_price" db:"base_price"`
	Premium    float64 `json:"premium" db:"premium"`
}

// Price returns the effective seat price copied into new inventories
func (t TemplateSeat) Price() float64 {
	return t.BasePrice + t.Premium
}

// RouteSegment is one scheduled segment of a parent trip. A journey leg whose
// boarding/dropping points cross segment boundaries spans several of these,
// and the same physical seat must stay consistent across all of them.
type RouteSegment struct {
	RouteID    uuid.UUID `json:"route_id" db:"route_id"`
	TripID     uuid.UUID `json:"trip_id" db:"trip_id"`
	StartOrder int       `json:"start_order" db:"start_order"`
	EndOrder   int       `json:"end_order" db:"end_order"`
}

// Overlaps reports whether the segment's [StartOrder, EndOrder) range
// intersects the requested [bStart, bEnd) boundary range
func (s RouteSegment) Overlaps(bStart, bEnd int) bool {
	return s.StartOrder < bEnd && s.EndOrder > bStart
}

// AcquireSeatsRequest asks for a temporary hold on a seat set
type AcquireSeatsRequest struct {
	RouteID     uuid.UUID `json:"route_id" binding:"required"`
	TravelDate  string    `json:"travel_date" binding:"required"` // YYYY-MM-DD
	SeatNumbers []string  `json:"seat_numbers" binding:"required,min=1"`
	TTLMinutes  int       `json:"ttl_minutes"`
}

// PromoteSeatsRequest promotes held seats to a permanent booking
type PromoteSeatsRequest struct {
	RouteID     uuid.UUID `json:"route_id" binding:"required"`
	TravelDate  string    `json:"travel_date" binding:"required"`
	SeatNumbers []string  `json:"seat_numbers" binding:"required,min=1"`
	BookingRef  string    `json:"booking_reference" binding:"required"`
}

// ReleaseSeatsRequest releases held seats back to available
type ReleaseSeatsRequest struct {
	RouteID     uuid.UUID `json:"route_id" binding:"required"`
	TravelDate  string    `json:"travel_date" binding:"required"`
	SeatNumbers []string  `json:"seat_numbers" binding:"required,min=1"`
}

// CancelBookingRequest cancels a confirmed booking by its reference
type CancelBookingRequest struct {
	RouteID    uuid.UUID `json:"route_id" binding:"required"`
	TravelDate string    `json:"travel_date" binding:"required"`
	BookingRef string    `json:"booking_reference" binding:"required"`
}

// BlockSeatsRequest is used by operators to block seats from sale
type BlockSeatsRequest struct {
	RouteID     uuid.UUID `json:"route_id" binding:"required"`
	TravelDate  string    `json:"travel_date" binding:"required"`
	SeatNumbers []string  `json:"seat_numbers" binding:"required,min=1"`
	Reason      string    `json:"reason"`
}

// UnblockSeatsRequest returns operator-blocked seats to sale
type UnblockSeatsRequest struct {
	RouteID     uuid.UUID `json:"route_id" binding:"required"`
	TravelDate  string    `json:"travel_date" binding:"required"`
	SeatNumbers []string  `json:"seat_numbers" binding:"required,min=1"`
}

// SyncSegmentsRequest propagates a seat state across overlapping segments of
// a multi-leg booking
type SyncSegmentsRequest struct {
	TripID      uuid.UUID  `json:"trip_id" binding:"required"`
	BoardOrder  int        `json:"board_order" binding:"min=0"`
	DropOrder   int        `json:"drop_order" binding:"required,gtfield=BoardOrder"`
	TravelDate  string     `json:"travel_date" binding:"required"`
	SeatNumbers []string   `json:"seat_numbers" binding:"required,min=1"`
	HolderID    *uuid.UUID `json:"holder_id,omitempty"`
	BookingRef  *string    `json:"booking_reference,omitempty"`
	Status      SeatStatus `json:"status" binding:"required"`
}

// ParseTravelDate parses the wire format used by all request payloads
func ParseTravelDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
