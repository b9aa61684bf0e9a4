package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/cache"
	"github.com/capsulecabs/seat-inventory-backend/internal/config"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
	"github.com/capsulecabs/seat-inventory-backend/pkg/clock"
)

// LockingService is the seat-lock state machine. Seats move
// available → held → booked, with held → available (release or expiry) and
// booked → available (cancellation) as the only other transitions; blocked is
// operator controlled and disjoint. Correctness comes from the store's
// conditional-update primitive, not from in-process locks, so multiple
// service instances coordinate safely through shared storage.
type LockingService struct {
	store        InventoryStore
	availability *AvailabilityService
	cache        *cache.AvailabilityCache
	clock        clock.Clock
	logger       *logrus.Logger
	holdCfg      config.HoldConfig
}

// NewLockingService creates a new LockingService. The cache may be nil.
func NewLockingService(
	store InventoryStore,
	availability *AvailabilityService,
	availCache *cache.AvailabilityCache,
	clk clock.Clock,
	logger *logrus.Logger,
	holdCfg config.HoldConfig,
) *LockingService {
	return &LockingService{
		store:        store,
		availability: availability,
		cache:        availCache,
		clock:        clk,
		logger:       logger,
		holdCfg:      holdCfg,
	}
}

// Acquire places a temporary hold on every requested seat, initializing the
// inventory from the route template if this is the first lock attempt for the
// (route, date) pair. The request is all-or-nothing: if any seat is booked,
// blocked, or held by a different holder, nothing is mutated and the
// conflicting seats are named in the returned SeatUnavailableError. A seat
// already held by the same holder is re-acquired: its expiry is refreshed and
// counts are unchanged. An expired hold counts as available even before the
// sweeper reclaims it.
//
// Safe to retry after a network timeout; a repeated Acquire by the same
// holder converges on the same hold.
func (s *LockingService) Acquire(ctx context.Context, routeID uuid.UUID, travelDate time.Time, seatNumbers []string, holderID uuid.UUID, ttl time.Duration) (time.Time, error) {
	seatNumbers = dedupeSeatNumbers(seatNumbers)
	ttl = s.clampTTL(ttl)

	inv, err := s.availability.EnsureInventory(ctx, routeID, travelDate)
	if err != nil {
		return time.Time{}, err
	}

	now := s.clock.Now()
	expiry := now.Add(ttl)

	_, err = s.store.ApplyConditional(ctx, inv.ID, seatNumbers, func(seats []models.SeatState) error {
		conflicts := unknownSeats(seatNumbers, seats)
		for i := range seats {
			if !s.acquirable(&seats[i], holderID, now) {
				conflicts = append(conflicts, seats[i].SeatNumber)
			}
		}
		if len(conflicts) > 0 {
			return &SeatUnavailableError{Seats: conflicts}
		}

		for i := range seats {
			seat := &seats[i]
			if !seat.HeldBy(holderID, now) {
				heldAt := now
				seat.HeldAt = &heldAt
			}
			holder := holderID
			seatExpiry := expiry
			seat.Status = models.SeatStatusHeld
			seat.HolderID = &holder
			seat.HoldExpiry = &seatExpiry
			seat.ClearBooking()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	s.cache.Invalidate(ctx, routeID, travelDate)
	s.logger.WithFields(logrus.Fields{
		"route_id":    routeID,
		"travel_date": travelDate.Format("2006-01-02"),
		"holder_id":   holderID,
		"seats":       strings.Join(seatNumbers, ","),
		"hold_expiry": expiry,
	}).Info("Seats held")

	return expiry, nil
}

// Promote atomically converts a holder's live holds into a permanent booking.
// Every requested seat must be held by holderID; a partial match is a hard
// failure and no seat transitions. Seats held by someone else surface as a
// HoldOwnershipError, everything else as ErrHoldNotFound.
func (s *LockingService) Promote(ctx context.Context, routeID uuid.UUID, travelDate time.Time, seatNumbers []string, holderID uuid.UUID, bookingRef string) error {
	seatNumbers = dedupeSeatNumbers(seatNumbers)

	inv, err := s.store.FindByRouteAndDate(ctx, routeID, travelDate)
	if err != nil {
		return err
	}
	if inv == nil {
		return fmt.Errorf("%w: inventory not initialized", ErrHoldNotFound)
	}

	now := s.clock.Now()

	_, err = s.store.ApplyConditional(ctx, inv.ID, seatNumbers, func(seats []models.SeatState) error {
		notHeld := unknownSeats(seatNumbers, seats)
		var owned []string
		for i := range seats {
			seat := &seats[i]
			switch {
			case seat.HeldBy(holderID, now):
				// promotable
			case seat.Status == models.SeatStatusHeld && !seat.HoldExpired(now):
				owned = append(owned, seat.SeatNumber)
			default:
				notHeld = append(notHeld, seat.SeatNumber)
			}
		}
		if len(owned) > 0 {
			return &HoldOwnershipError{Seats: owned}
		}
		if len(notHeld) > 0 {
			return fmt.Errorf("%w: seats %s", ErrHoldNotFound, strings.Join(notHeld, ", "))
		}

		ref := bookingRef
		booker := holderID
		for i := range seats {
			seat := &seats[i]
			bookedAt := now
			seat.Status = models.SeatStatusBooked
			seat.BookedByUserID = &booker
			seat.BookedAt = &bookedAt
			seat.BookingRef = &ref
			seat.ClearHold()
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, routeID, travelDate)
	s.logger.WithFields(logrus.Fields{
		"route_id":          routeID,
		"travel_date":       travelDate.Format("2006-01-02"),
		"holder_id":         holderID,
		"booking_reference": bookingRef,
		"seats":             strings.Join(seatNumbers, ","),
	}).Info("Holds promoted to booking")

	return nil
}

// Release returns held seats to available. Called speculatively on
// failure-recovery paths, so it never fails for "nothing to release": a
// missing inventory, unknown seats, or seats not held all count as zero
// released. When holderID is non-nil only that holder's seats are touched.
func (s *LockingService) Release(ctx context.Context, routeID uuid.UUID, travelDate time.Time, seatNumbers []string, holderID *uuid.UUID) (int, error) {
	seatNumbers = dedupeSeatNumbers(seatNumbers)

	inv, err := s.store.FindByRouteAndDate(ctx, routeID, travelDate)
	if err != nil {
		return 0, err
	}
	if inv == nil {
		return 0, nil
	}

	result, err := s.store.ApplyConditional(ctx, inv.ID, seatNumbers, func(seats []models.SeatState) error {
		for i := range seats {
			seat := &seats[i]
			if seat.Status != models.SeatStatusHeld {
				continue
			}
			if holderID != nil && (seat.HolderID == nil || *seat.HolderID != *holderID) {
				continue
			}
			seat.Status = models.SeatStatusAvailable
			seat.ClearHold()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	released := len(result.Modified)
	if released > 0 {
		s.cache.Invalidate(ctx, routeID, travelDate)
		s.logger.WithFields(logrus.Fields{
			"route_id":    routeID,
			"travel_date": travelDate.Format("2006-01-02"),
			"released":    released,
		}).Info("Holds released")
	}
	return released, nil
}

// CancelBooking returns every seat booked under bookingRef to available.
// Fails with ErrBookingNotFound when the reference matches nothing.
func (s *LockingService) CancelBooking(ctx context.Context, routeID uuid.UUID, travelDate time.Time, bookingRef string) (int, error) {
	inv, err := s.store.FindByRouteAndDate(ctx, routeID, travelDate)
	if err != nil {
		return 0, err
	}
	if inv == nil {
		return 0, ErrBookingNotFound
	}

	result, err := s.store.ApplyConditional(ctx, inv.ID, nil, func(seats []models.SeatState) error {
		matched := 0
		for i := range seats {
			seat := &seats[i]
			if seat.Status != models.SeatStatusBooked || seat.BookingRef == nil || *seat.BookingRef != bookingRef {
				continue
			}
			seat.Status = models.SeatStatusAvailable
			seat.ClearBooking()
			matched++
		}
		if matched == 0 {
			return ErrBookingNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	released := len(result.Modified)
	s.cache.Invalidate(ctx, routeID, travelDate)
	s.logger.WithFields(logrus.Fields{
		"route_id":          routeID,
		"travel_date":       travelDate.Format("2006-01-02"),
		"booking_reference": bookingRef,
		"released":          released,
	}).Info("Booking cancelled, seats released")

	return released, nil
}

// BlockSeats takes available seats out of sale (operator action). Seats that
// are held or booked conflict; blocking never preempts a passenger.
func (s *LockingService) BlockSeats(ctx context.Context, routeID uuid.UUID, travelDate time.Time, seatNumbers []string, operatorID uuid.UUID, reason string) error {
	seatNumbers = dedupeSeatNumbers(seatNumbers)

	inv, err := s.availability.EnsureInventory(ctx, routeID, travelDate)
	if err != nil {
		return err
	}

	now := s.clock.Now()

	_, err = s.store.ApplyConditional(ctx, inv.ID, seatNumbers, func(seats []models.SeatState) error {
		conflicts := unknownSeats(seatNumbers, seats)
		for i := range seats {
			seat := &seats[i]
			if seat.Status != models.SeatStatusAvailable && !seat.HoldExpired(now) && seat.Status != models.SeatStatusBlocked {
				conflicts = append(conflicts, seat.SeatNumber)
			}
		}
		if len(conflicts) > 0 {
			return &SeatUnavailableError{Seats: conflicts}
		}

		operator := operatorID
		blockReason := reason
		for i := range seats {
			seat := &seats[i]
			seat.Status = models.SeatStatusBlocked
			seat.BlockReason = &blockReason
			seat.BlockedByUser = &operator
			seat.ClearHold()
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, routeID, travelDate)
	return nil
}

// UnblockSeats returns operator-blocked seats to sale. Seats not currently
// blocked are left untouched, mirroring the release semantics.
func (s *LockingService) UnblockSeats(ctx context.Context, routeID uuid.UUID, travelDate time.Time, seatNumbers []string) (int, error) {
	seatNumbers = dedupeSeatNumbers(seatNumbers)

	inv, err := s.store.FindByRouteAndDate(ctx, routeID, travelDate)
	if err != nil {
		return 0, err
	}
	if inv == nil {
		return 0, ErrInventoryNotFound
	}

	result, err := s.store.ApplyConditional(ctx, inv.ID, seatNumbers, func(seats []models.SeatState) error {
		for i := range seats {
			seat := &seats[i]
			if seat.Status != models.SeatStatusBlocked {
				continue
			}
			seat.Status = models.SeatStatusAvailable
			seat.BlockReason = nil
			seat.BlockedByUser = nil
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(result.Modified) > 0 {
		s.cache.Invalidate(ctx, routeID, travelDate)
	}
	return len(result.Modified), nil
}

// acquirable reports whether a seat can be held by holderID right now
func (s *LockingService) acquirable(seat *models.SeatState, holderID uuid.UUID, now time.Time) bool {
	switch seat.Status {
	case models.SeatStatusAvailable:
		return true
	case models.SeatStatusHeld:
		// Expired holds are semantically available; live holds only yield to
		// their own holder (idempotent re-acquire)
		return seat.HoldExpired(now) || seat.HeldBy(holderID, now)
	default:
		return false
	}
}

func (s *LockingService) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.holdCfg.DefaultTTL
	}
	if ttl > s.holdCfg.MaxTTL {
		return s.holdCfg.MaxTTL
	}
	return ttl
}

// unknownSeats returns requested seat numbers that the inventory does not
// contain
func unknownSeats(requested []string, found []models.SeatState) []string {
	if len(requested) == len(found) {
		return nil
	}
	present := make(map[string]struct{}, len(found))
	for i := range found {
		present[found[i].SeatNumber] = struct{}{}
	}
	var unknown []string
	for _, number := range requested {
		if _, ok := present[number]; !ok {
			unknown = append(unknown, number)
		}
	}
	return unknown
}

func dedupeSeatNumbers(seatNumbers []string) []string {
	seen := make(map[string]struct{}, len(seatNumbers))
	result := make([]string, 0, len(seatNumbers))
	for _, number := range seatNumbers {
		if _, ok := seen[number]; ok {
			continue
		}
		seen[number] = struct{}{}
		result = append(result, number)
	}
	return result
}
