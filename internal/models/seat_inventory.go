package models

import (
	"time"

	"github.com/google/uuid"
)

// SeatStatus represents the status of an inventory seat
type SeatStatus string

const (
	SeatStatusAvailable SeatStatus = "available"
	SeatStatusHeld      SeatStatus = "held"
	SeatStatusBooked    SeatStatus = "booked"
	SeatStatusBlocked   SeatStatus = "blocked"
)

// Valid reports whether s is one of the four known seat statuses
func (s SeatStatus) Valid() bool {
	switch s {
	case SeatStatusAvailable, SeatStatusHeld, SeatStatusBooked, SeatStatusBlocked:
		return true
	}
	return false
}

// SeatState represents one physical seat inside a seat inventory
type SeatState struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	InventoryID    uuid.UUID  `json:"inventory_id" db:"inventory_id"`
	SeatNumber     string     `json:"seat_number" db:"seat_number"`
	SeatType       string     `json:"seat_type" db:"seat_type"` // standard, window, aisle, premium, accessible
	SeatPrice      float64    `json:"seat_price" db:"seat_price"`
	Status         SeatStatus `json:"status" db:"status"`
	HolderID       *uuid.UUID `json:"holder_id,omitempty" db:"holder_id"`
	HeldAt         *time.Time `json:"held_at,omitempty" db:"held_at"`
	HoldExpiry     *time.Time `json:"hold_expiry,omitempty" db:"hold_expiry"`
	BookedByUserID *uuid.UUID `json:"booked_by_user_id,omitempty" db:"booked_by_user_id"`
	BookedAt       *time.Time `json:"booked_at,omitempty" db:"booked_at"`
	BookingRef     *string    `json:"booking_reference,omitempty" db:"booking_reference"`
	BlockReason    *string    `json:"block_reason,omitempty" db:"block_reason"`
	BlockedByUser  *uuid.UUID `json:"blocked_by_user_id,omitempty" db:"blocked_by_user_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// HoldExpired reports whether the seat carries a hold that has passed its TTL.
// An expired hold is semantically available even before the sweeper reclaims it.
func (s *SeatState) HoldExpired(now time.Time) bool {
	return s.Status == SeatStatusHeld && s.HoldExpiry != nil && !s.HoldExpiry.After(now)
}

// HeldBy reports whether the seat carries a live hold owned by holderID
func (s *SeatState) HeldBy(holderID uuid.UUID, now time.Time) bool {
	return s.Status == SeatStatusHeld && !s.HoldExpired(now) &&
		s.HolderID != nil && *s.HolderID == holderID
}

// ClearHold resets all hold bookkeeping fields
func (s *SeatState) ClearHold() {
	s.HolderID = nil
	s.HeldAt = nil
	s.HoldExpiry = nil
}

// ClearBooking resets all booking bookkeeping fields
func (s *SeatState) ClearBooking() {
	s.BookedByUserID = nil
	s.BookedAt = nil
	s.BookingRef = nil
}

// SeatSummary holds the derived per-inventory seat counts
type SeatSummary struct {
	TotalSeats     int `json:"total_seats" db:"total_seats"`
	AvailableSeats int `json:"available_seats" db:"available_seats"`
	HeldSeats      int `json:"held_seats" db:"held_seats"`
	BookedSeats    int `json:"booked_seats" db:"booked_seats"`
	BlockedSeats   int `json:"blocked_seats" db:"blocked_seats"`
}

// Consistent reports whether the counts tally up to the seat total
func (s SeatSummary) Consistent() bool {
	return s.AvailableSeats+s.HeldSeats+s.BookedSeats+s.BlockedSeats == s.TotalSeats
}

// SummarizeSeats tallies a seat list into a SeatSummary
func SummarizeSeats(seats []SeatState) SeatSummary {
	summary := SeatSummary{TotalSeats: len(seats)}
	for i := range seats {
		switch seats[i].Status {
		case SeatStatusAvailable:
			summary.AvailableSeats++
		case SeatStatusHeld:
			summary.HeldSeats++
		case SeatStatusBooked:
			summary.BookedSeats++
		case SeatStatusBlocked:
			summary.BlockedSeats++
		}
	}
	return summary
}

// SeatInventory represents the seat state of one route segment on one travel
// date. It is the single source of truth for availability; every mutation goes
// through the locking engine or the expiry sweeper.
type SeatInventory struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	RouteID    uuid.UUID  `json:"route_id" db:"route_id"`
	TravelDate time.Time  `json:"travel_date" db:"travel_date"`
	Summary    SeatSummary `json:"summary" db:"-"`
	FrozenAt   *time.Time `json:"frozen_at,omitempty" db:"frozen_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`

	// Seats is populated on full reads; list ordering follows seat_number
	Seats []SeatState `json:"seats,omitempty" db:"-"`
}

// Frozen reports whether writes to this inventory are refused pending manual
// repair after a summary invariant violation
func (inv *SeatInventory) Frozen() bool {
	return inv.FrozenAt != nil
}
