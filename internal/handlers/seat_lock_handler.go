package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/database"
	"github.com/capsulecabs/seat-inventory-backend/internal/middleware"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
	"github.com/capsulecabs/seat-inventory-backend/internal/services"
)

// SeatLockHandler exposes the locking engine to the booking layer
type SeatLockHandler struct {
	locking *services.LockingService
	syncer  *services.SegmentSyncService
	sweeper *services.SweeperService
	logger  *logrus.Logger
}

// NewSeatLockHandler creates a new SeatLockHandler
func NewSeatLockHandler(
	locking *services.LockingService,
	syncer *services.SegmentSyncService,
	sweeper *services.SweeperService,
	logger *logrus.Logger,
) *SeatLockHandler {
	return &SeatLockHandler{locking: locking, syncer: syncer, sweeper: sweeper, logger: logger}
}

// AcquireSeats places a temporary hold on the requested seats
// POST /api/v1/seat-locks/acquire
func (h *SeatLockHandler) AcquireSeats(c *gin.Context) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req models.AcquireSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	travelDate, err := models.ParseTravelDate(req.TravelDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "travel_date must be YYYY-MM-DD"})
		return
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	holdExpiry, err := h.locking.Acquire(c.Request.Context(), req.RouteID, travelDate, req.SeatNumbers, userCtx.UserID, ttl)
	if err != nil {
		h.respondLockError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hold_expiry": holdExpiry})
}

// PromoteSeats promotes the caller's holds to a permanent booking
// POST /api/v1/seat-locks/promote
func (h *SeatLockHandler) PromoteSeats(c *gin.Context) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req models.PromoteSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	travelDate, err := models.ParseTravelDate(req.TravelDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "travel_date must be YYYY-MM-DD"})
		return
	}

	err = h.locking.Promote(c.Request.Context(), req.RouteID, travelDate, req.SeatNumbers, userCtx.UserID, req.BookingRef)
	if err != nil {
		h.respondLockError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ReleaseSeats releases the caller's holds; a no-op when nothing is held
// POST /api/v1/seat-locks/release
func (h *SeatLockHandler) ReleaseSeats(c *gin.Context) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req models.ReleaseSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	travelDate, err := models.ParseTravelDate(req.TravelDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "travel_date must be YYYY-MM-DD"})
		return
	}

	released, err := h.locking.Release(c.Request.Context(), req.RouteID, travelDate, req.SeatNumbers, &userCtx.UserID)
	if err != nil {
		h.respondLockError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"released_count": released})
}

// CancelBooking releases every seat booked under a reference
// POST /api/v1/bookings/cancel
func (h *SeatLockHandler) CancelBooking(c *gin.Context) {
	var req models.CancelBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	travelDate, err := models.ParseTravelDate(req.TravelDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "travel_date must be YYYY-MM-DD"})
		return
	}

	released, err := h.locking.CancelBooking(c.Request.Context(), req.RouteID, travelDate, req.BookingRef)
	if err != nil {
		h.respondLockError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"released_count": released})
}

// BlockSeats takes seats out of sale (operator only)
// POST /api/v1/seat-locks/block
func (h *SeatLockHandler) BlockSeats(c *gin.Context) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req models.BlockSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	travelDate, err := models.ParseTravelDate(req.TravelDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "travel_date must be YYYY-MM-DD"})
		return
	}

	err = h.locking.BlockSeats(c.Request.Context(), req.RouteID, travelDate, req.SeatNumbers, userCtx.UserID, req.Reason)
	if err != nil {
		h.respondLockError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// UnblockSeats returns operator-blocked seats to sale (operator only)
// POST /api/v1/seat-locks/unblock
func (h *SeatLockHandler) UnblockSeats(c *gin.Context) {
	var req models.UnblockSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	travelDate, err := models.ParseTravelDate(req.TravelDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "travel_date must be YYYY-MM-DD"})
		return
	}

	unblocked, err := h.locking.UnblockSeats(c.Request.Context(), req.RouteID, travelDate, req.SeatNumbers)
	if err != nil {
		h.respondLockError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"unblocked_count": unblocked})
}

// SyncSegments propagates a seat state across overlapping trip segments,
// called by the booking layer when confirming a cross-segment booking
// POST /api/v1/seat-locks/sync-segments
func (h *SeatLockHandler) SyncSegments(c *gin.Context) {
	var req models.SyncSegmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	travelDate, err := models.ParseTravelDate(req.TravelDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "travel_date must be YYYY-MM-DD"})
		return
	}

	synced, err := h.syncer.SyncSegments(
		c.Request.Context(),
		req.TripID, req.BoardOrder, req.DropOrder,
		travelDate, req.SeatNumbers,
		req.HolderID, req.BookingRef, req.Status,
	)
	if err != nil {
		h.respondLockError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"synced_segments": synced})
}

// TriggerSweep runs one expiry sweep cycle immediately (operator only)
// POST /api/v1/seat-locks/sweep
func (h *SeatLockHandler) TriggerSweep(c *gin.Context) {
	reclaimed, err := h.sweeper.SweepExpired(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Manual sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Sweep failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reclaimed_count": reclaimed})
}

// respondLockError maps the engine's typed errors onto HTTP statuses
func (h *SeatLockHandler) respondLockError(c *gin.Context, err error) {
	var unavailable *services.SeatUnavailableError
	if errors.As(err, &unavailable) {
		c.JSON(http.StatusConflict, gin.H{"error": "Seats unavailable", "seats": unavailable.Seats})
		return
	}

	var ownership *services.HoldOwnershipError
	if errors.As(err, &ownership) {
		c.JSON(http.StatusConflict, gin.H{"error": "Hold owned by another user", "seats": ownership.Seats})
		return
	}

	switch {
	case errors.Is(err, services.ErrHoldNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": "No matching hold; acquire the seats again"})
	case errors.Is(err, services.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
	case errors.Is(err, services.ErrInventoryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No seat inventory for this route and date"})
	case errors.Is(err, database.ErrTemplateNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Route has no seat template"})
	case errors.Is(err, services.ErrInvalidTargetStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrInventoryFrozen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Seat inventory is locked for repair"})
	default:
		h.logger.WithError(err).Error("Seat lock operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
