package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/database"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
)

// AvailabilityService builds seat inventories from the route's static vehicle
// template and serves read-only availability views. Inventories are created
// lazily on the first lock attempt for a (route, date) pair and never
// deleted.
type AvailabilityService struct {
	store  InventoryStore
	routes RouteStore
	logger *logrus.Logger
}

// NewAvailabilityService creates a new AvailabilityService
func NewAvailabilityService(store InventoryStore, routes RouteStore, logger *logrus.Logger) *AvailabilityService {
	return &AvailabilityService{store: store, routes: routes, logger: logger}
}

// EnsureInventory returns the inventory for a (route, date) pair, building it
// from the route's seat template on first use. Idempotent: an existing
// inventory is returned unchanged, and a lost create race resolves to the
// record the winner inserted.
func (s *AvailabilityService) EnsureInventory(ctx context.Context, routeID uuid.UUID, travelDate time.Time) (*models.SeatInventory, error) {
	return s.EnsureInventoryWithOverlay(ctx, routeID, travelDate, nil)
}

// EnsureInventoryWithOverlay is EnsureInventory with an optional overlay
// applied to each seat before the first insert. The segment synchronizer uses
// it to seed missing segment inventories with the target seats already in the
// requested state, avoiding a create-then-update round trip. The overlay is
// NOT applied when the inventory already exists.
func (s *AvailabilityService) EnsureInventoryWithOverlay(ctx context.Context, routeID uuid.UUID, travelDate time.Time, overlay func(*models.SeatState)) (*models.SeatInventory, error) {
	existing, err := s.store.FindByRouteAndDate(ctx, routeID, travelDate)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	template, err := s.routes.GetSeatTemplate(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seat template for route %s: %w", routeID, err)
	}

	inv := &models.SeatInventory{
		ID:         uuid.New(),
		RouteID:    routeID,
		TravelDate: travelDate,
		Seats:      buildSeatsFromTemplate(template),
	}
	if overlay != nil {
		for i := range inv.Seats {
			overlay(&inv.Seats[i])
		}
	}

	err = s.store.CreateInventory(ctx, inv)
	if errors.Is(err, database.ErrInventoryExists) {
		// Another request initialized the same pair first; use its record
		return s.store.FindByRouteAndDate(ctx, routeID, travelDate)
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"route_id":    routeID,
		"travel_date": travelDate.Format("2006-01-02"),
		"total_seats": inv.Summary.TotalSeats,
	}).Info("Seat inventory initialized from template")

	return inv, nil
}

// GetInventory returns an inventory with its full seat list. Read-only and
// stale tolerant: callers rendering seat maps accept that a seat shown as
// available may be held a moment later.
func (s *AvailabilityService) GetInventory(ctx context.Context, routeID uuid.UUID, travelDate time.Time) (*models.SeatInventory, error) {
	inv, err := s.store.FindByRouteAndDate(ctx, routeID, travelDate)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInventoryNotFound
	}

	seats, err := s.store.GetSeats(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.Seats = seats
	return inv, nil
}

// GetHeldSeats lists a holder's live holds on a (route, date) pair, for the
// booking layer to render checkout
func (s *AvailabilityService) GetHeldSeats(ctx context.Context, routeID uuid.UUID, travelDate time.Time, holderID uuid.UUID) ([]models.SeatState, error) {
	inv, err := s.store.FindByRouteAndDate(ctx, routeID, travelDate)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInventoryNotFound
	}
	return s.store.GetHeldSeats(ctx, inv.ID, holderID)
}

// buildSeatsFromTemplate maps template seats to fresh inventory seats. Seats
// flagged blocked in the template start blocked and stay outside the normal
// lifecycle; everything else starts available.
func buildSeatsFromTemplate(template []models.TemplateSeat) []models.SeatState {
	seats := make([]models.SeatState, 0, len(template))
	for _, t := range template {
		seat := models.SeatState{
			SeatNumber: t.SeatNumber,
			SeatType:   t.SeatType,
			SeatPrice:  t.Price(),
			Status:     models.SeatStatusAvailable,
		}
		if t.IsBlocked {
			seat.Status = models.SeatStatusBlocked
		}
		seats = append(seats, seat)
	}
	return seats
}
