package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHoldNotFound is returned when promotion targets seats without a live
	// hold (never held, already expired, or already promoted)
	ErrHoldNotFound = errors.New("no matching hold found for promotion")

	// ErrBookingNotFound is returned when cancellation matches no booked seats
	ErrBookingNotFound = errors.New("no booked seats match the booking reference")

	// ErrInventoryNotFound is returned when an operation other than acquire
	// targets a (route, date) pair that was never initialized
	ErrInventoryNotFound = errors.New("seat inventory not found")

	// ErrInvalidTargetStatus is returned when a segment sync requests a
	// status the synchronizer cannot apply
	ErrInvalidTargetStatus = errors.New("invalid target seat status for segment sync")
)

// SeatUnavailableError names the seats that blocked an acquire: booked,
// blocked, held by another holder, or not part of the inventory at all.
// Recoverable; the caller picks different seats.
type SeatUnavailableError struct {
	Seats []string
}

func (e *SeatUnavailableError) Error() string {
	return fmt.Sprintf("seats unavailable: %s", strings.Join(e.Seats, ", "))
}

// HoldOwnershipError names seats held by a different holder than the one
// attempting promotion. Booking must not proceed.
type HoldOwnershipError struct {
	Seats []string
}

func (e *HoldOwnershipError) Error() string {
	return fmt.Sprintf("hold owned by another holder for seats: %s", strings.Join(e.Seats, ", "))
}
