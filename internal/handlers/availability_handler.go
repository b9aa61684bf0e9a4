package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/cache"
	"github.com/capsulecabs/seat-inventory-backend/internal/middleware"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
	"github.com/capsulecabs/seat-inventory-backend/internal/services"
)

// AvailabilityHandler serves read-only seat availability. Responses are
// stale tolerant; the locking engine re-validates everything at acquire time.
type AvailabilityHandler struct {
	availability *services.AvailabilityService
	cache        *cache.AvailabilityCache
	logger       *logrus.Logger
}

// NewAvailabilityHandler creates a new AvailabilityHandler. The cache may be
// nil.
func NewAvailabilityHandler(availability *services.AvailabilityService, availCache *cache.AvailabilityCache, logger *logrus.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{availability: availability, cache: availCache, logger: logger}
}

// GetSeats returns the full seat map and summary for a route and date
// GET /api/v1/routes/:routeId/seats?date=YYYY-MM-DD
func (h *AvailabilityHandler) GetSeats(c *gin.Context) {
	routeID, travelDate, ok := h.routeAndDate(c)
	if !ok {
		return
	}

	inv, err := h.availability.GetInventory(c.Request.Context(), routeID, travelDate)
	if err != nil {
		if errors.Is(err, services.ErrInventoryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No seat inventory for this route and date"})
			return
		}
		h.logger.WithError(err).Error("Failed to get seat inventory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get seats"})
		return
	}

	h.cache.SetSummary(c.Request.Context(), routeID, travelDate, inv.Summary)

	c.JSON(http.StatusOK, gin.H{
		"seats":   inv.Seats,
		"summary": inv.Summary,
	})
}

// GetSummary returns just the seat counts for a route and date, served from
// the redis cache when warm
// GET /api/v1/routes/:routeId/seats/summary?date=YYYY-MM-DD
func (h *AvailabilityHandler) GetSummary(c *gin.Context) {
	routeID, travelDate, ok := h.routeAndDate(c)
	if !ok {
		return
	}

	if summary, hit := h.cache.GetSummary(c.Request.Context(), routeID, travelDate); hit {
		c.JSON(http.StatusOK, summary)
		return
	}

	inv, err := h.availability.GetInventory(c.Request.Context(), routeID, travelDate)
	if err != nil {
		if errors.Is(err, services.ErrInventoryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No seat inventory for this route and date"})
			return
		}
		h.logger.WithError(err).Error("Failed to get seat summary")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get seat summary"})
		return
	}

	h.cache.SetSummary(c.Request.Context(), routeID, travelDate, inv.Summary)
	c.JSON(http.StatusOK, inv.Summary)
}

// GetMyHolds lists the caller's live holds for a route and date
// GET /api/v1/routes/:routeId/seats/holds?date=YYYY-MM-DD
func (h *AvailabilityHandler) GetMyHolds(c *gin.Context) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	routeID, travelDate, ok := h.routeAndDate(c)
	if !ok {
		return
	}

	seats, err := h.availability.GetHeldSeats(c.Request.Context(), routeID, travelDate, userCtx.UserID)
	if err != nil {
		if errors.Is(err, services.ErrInventoryNotFound) {
			c.JSON(http.StatusOK, gin.H{"seats": []models.SeatState{}})
			return
		}
		h.logger.WithError(err).Error("Failed to get held seats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get holds"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"seats": seats})
}

// Health reports service liveness
// GET /health
func (h *AvailabilityHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *AvailabilityHandler) routeAndDate(c *gin.Context) (uuid.UUID, time.Time, bool) {
	routeID, err := uuid.Parse(c.Param("routeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Route ID must be a UUID"})
		return uuid.Nil, time.Time{}, false
	}

	travelDate, err := models.ParseTravelDate(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date query parameter must be YYYY-MM-DD"})
		return uuid.Nil, time.Time{}, false
	}

	return routeID, travelDate, true
}
