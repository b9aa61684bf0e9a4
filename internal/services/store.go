package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/capsulecabs/seat-inventory-backend/internal/database"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
)

// InventoryStore is the persistence contract the engine runs on. The
// Postgres implementation lives in internal/database; tests use an in-memory
// fake with the same atomicity semantics.
type InventoryStore interface {
	// FindByRouteAndDate returns nil when no inventory exists yet
	FindByRouteAndDate(ctx context.Context, routeID uuid.UUID, travelDate time.Time) (*models.SeatInventory, error)

	// GetSeats returns all seats of an inventory ordered by seat number
	GetSeats(ctx context.Context, inventoryID uuid.UUID) ([]models.SeatState, error)

	// GetHeldSeats returns the seats with a live hold owned by holderID
	GetHeldSeats(ctx context.Context, inventoryID, holderID uuid.UUID) ([]models.SeatState, error)

	// CreateInventory returns database.ErrInventoryExists on a duplicate
	// (route, date) pair
	CreateInventory(ctx context.Context, inv *models.SeatInventory) error

	// ApplyConditional runs one atomic conditional update; see the
	// repository documentation for the contract
	ApplyConditional(ctx context.Context, inventoryID uuid.UUID, seatNumbers []string, fn database.SeatMutator) (*database.ConditionalResult, error)

	// FindExpiredHoldInventories lists inventories carrying at least one
	// expired hold
	FindExpiredHoldInventories(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// RouteStore reads route metadata owned by the fleet-management side
type RouteStore interface {
	GetSeatTemplate(ctx context.Context, routeID uuid.UUID) ([]models.TemplateSeat, error)
	GetOverlappingSegments(ctx context.Context, tripID uuid.UUID, boardOrder, dropOrder int) ([]models.RouteSegment, error)
}
