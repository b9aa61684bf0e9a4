package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/capsulecabs/seat-inventory-backend/internal/models"
)

// ErrTemplateNotFound is returned when a route has no vehicle seat template
var ErrTemplateNotFound = errors.New("no seat template found for route")

// RouteRepository reads route metadata owned by the fleet-management side:
// the static vehicle seat template and the segment layout of parent trips
type RouteRepository struct {
	db *sqlx.DB
}

// NewRouteRepository creates a new RouteRepository
func NewRouteRepository(db *sqlx.DB) *RouteRepository {
	return &RouteRepository{db: db}
}

// GetSeatTemplate returns the static seat template for a route, ordered by
// seat number
func (r *RouteRepository) GetSeatTemplate(ctx context.Context, routeID uuid.UUID) ([]models.TemplateSeat, error) {
	query := `
		SELECT seat_number, seat_type, is_blocked, base_price, premium
		FROM route_seat_templates
		WHERE route_id = $1
		ORDER BY seat_number`

	var seats []models.TemplateSeat
	if err := r.db.SelectContext(ctx, &seats, query, routeID); err != nil {
		return nil, fmt.Errorf("failed to get seat template: %w", err)
	}
	if len(seats) == 0 {
		return nil, ErrTemplateNotFound
	}
	return seats, nil
}

// GetOverlappingSegments returns every segment of a trip whose
// [start_order, end_order) range overlaps the requested boarding range
func (r *RouteRepository) GetOverlappingSegments(ctx context.Context, tripID uuid.UUID, boardOrder, dropOrder int) ([]models.RouteSegment, error) {
	query := `
		SELECT route_id, trip_id, start_order, end_order
		FROM route_segments
		WHERE trip_id = $1
		  AND start_order < $3
		  AND end_order > $2
		ORDER BY start_order`

	var segments []models.RouteSegment
	if err := r.db.SelectContext(ctx, &segments, query, tripID, boardOrder, dropOrder); err != nil {
		return nil, fmt.Errorf("failed to get overlapping segments: %w", err)
	}
	return segments, nil
}
