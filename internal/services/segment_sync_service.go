package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/cache"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
	"github.com/capsulecabs/seat-inventory-backend/pkg/clock"
)

// SegmentSyncService propagates a seat-state change across every route
// segment that a journey leg spans. A pickup/drop pair can cross several
// scheduled segment boundaries, and the same physical seat must read
// consistently in every overlapping segment's inventory; updating one segment
// without the others would sell the seat twice.
type SegmentSyncService struct {
	store        InventoryStore
	routes       RouteStore
	availability *AvailabilityService
	cache        *cache.AvailabilityCache
	clock        clock.Clock
	logger       *logrus.Logger
	holdTTL      time.Duration
}

// NewSegmentSyncService creates a new SegmentSyncService. The cache may be
// nil.
func NewSegmentSyncService(
	store InventoryStore,
	routes RouteStore,
	availability *AvailabilityService,
	availCache *cache.AvailabilityCache,
	clk clock.Clock,
	logger *logrus.Logger,
	holdTTL time.Duration,
) *SegmentSyncService {
	return &SegmentSyncService{
		store:        store,
		routes:       routes,
		availability: availability,
		cache:        availCache,
		clock:        clk,
		logger:       logger,
		holdTTL:      holdTTL,
	}
}

// SyncSegments applies the target seat state to every segment of tripID whose
// [start, end) order range overlaps [boardOrder, dropOrder). Segments without
// an inventory yet are built from the template with the target seats already
// in the requested state; existing inventories get a scoped update restricted
// to the matching seat numbers. Operator-blocked seats are never overridden.
func (s *SegmentSyncService) SyncSegments(
	ctx context.Context,
	tripID uuid.UUID,
	boardOrder, dropOrder int,
	travelDate time.Time,
	seatNumbers []string,
	holderID *uuid.UUID,
	bookingRef *string,
	status models.SeatStatus,
) (int, error) {
	if err := validateTargetState(status, holderID, bookingRef); err != nil {
		return 0, err
	}
	seatNumbers = dedupeSeatNumbers(seatNumbers)
	now := s.clock.Now()

	segments, err := s.routes.GetOverlappingSegments(ctx, tripID, boardOrder, dropOrder)
	if err != nil {
		return 0, err
	}

	target := map[string]struct{}{}
	for _, number := range seatNumbers {
		target[number] = struct{}{}
	}

	synced := 0
	for _, segment := range segments {
		if err := s.syncSegment(ctx, segment, travelDate, seatNumbers, target, holderID, bookingRef, status, now); err != nil {
			return synced, fmt.Errorf("failed to sync segment %s: %w", segment.RouteID, err)
		}
		synced++
	}

	s.logger.WithFields(logrus.Fields{
		"trip_id":     tripID,
		"travel_date": travelDate.Format("2006-01-02"),
		"status":      status,
		"segments":    synced,
	}).Info("Seat state synchronized across segments")

	return synced, nil
}

func (s *SegmentSyncService) syncSegment(
	ctx context.Context,
	segment models.RouteSegment,
	travelDate time.Time,
	seatNumbers []string,
	target map[string]struct{},
	holderID *uuid.UUID,
	bookingRef *string,
	status models.SeatStatus,
	now time.Time,
) error {
	existing, err := s.store.FindByRouteAndDate(ctx, segment.RouteID, travelDate)
	if err != nil {
		return err
	}

	if existing == nil {
		// Seed the inventory with the target seats pre-set, one round trip
		_, err = s.availability.EnsureInventoryWithOverlay(ctx, segment.RouteID, travelDate, func(seat *models.SeatState) {
			if _, ok := target[seat.SeatNumber]; !ok {
				return
			}
			if seat.Status == models.SeatStatusBlocked {
				return
			}
			s.applyTargetState(seat, holderID, bookingRef, status, now)
		})
		if err != nil {
			return err
		}

		// A lost create race falls through to the scoped update below
		existing, err = s.store.FindByRouteAndDate(ctx, segment.RouteID, travelDate)
		if err != nil {
			return err
		}
	}

	_, err = s.store.ApplyConditional(ctx, existing.ID, seatNumbers, func(seats []models.SeatState) error {
		for i := range seats {
			seat := &seats[i]
			if seat.Status == models.SeatStatusBlocked {
				continue
			}
			s.applyTargetState(seat, holderID, bookingRef, status, now)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, segment.RouteID, travelDate)
	return nil
}

// applyTargetState rewrites one seat to the requested terminal state
func (s *SegmentSyncService) applyTargetState(seat *models.SeatState, holderID *uuid.UUID, bookingRef *string, status models.SeatStatus, now time.Time) {
	switch status {
	case models.SeatStatusBooked:
		bookedAt := now
		seat.Status = models.SeatStatusBooked
		seat.BookedByUserID = copyUUIDPtr(holderID)
		seat.BookedAt = &bookedAt
		seat.BookingRef = copyStringPtr(bookingRef)
		seat.ClearHold()
	case models.SeatStatusHeld:
		heldAt := now
		expiry := now.Add(s.holdTTL)
		seat.Status = models.SeatStatusHeld
		seat.HolderID = copyUUIDPtr(holderID)
		seat.HeldAt = &heldAt
		seat.HoldExpiry = &expiry
		seat.ClearBooking()
	case models.SeatStatusAvailable:
		seat.Status = models.SeatStatusAvailable
		seat.ClearHold()
		seat.ClearBooking()
	}
}

func validateTargetState(status models.SeatStatus, holderID *uuid.UUID, bookingRef *string) error {
	switch status {
	case models.SeatStatusBooked:
		if bookingRef == nil || *bookingRef == "" {
			return fmt.Errorf("%w: booked requires a booking reference", ErrInvalidTargetStatus)
		}
	case models.SeatStatusHeld:
		if holderID == nil {
			return fmt.Errorf("%w: held requires a holder", ErrInvalidTargetStatus)
		}
	case models.SeatStatusAvailable:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTargetStatus, status)
	}
	return nil
}

func copyUUIDPtr(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
