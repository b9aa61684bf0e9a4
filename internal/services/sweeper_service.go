package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/config"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
	"github.com/capsulecabs/seat-inventory-backend/pkg/clock"
)

// SweeperService reclaims holds past their expiry in the background, so
// abandoned checkouts release their seats even when the holder never comes
// back. Safe to run concurrently with in-flight locking calls and with other
// sweeper instances: the reclaim transitions through the store's conditional
// update, which re-checks "still held, still expired" at commit time. A
// promote that raced ahead is never undone.
type SweeperService struct {
	store    InventoryStore
	clock    clock.Clock
	logger   *logrus.Logger
	interval time.Duration
	batch    int
	stopCh   chan struct{}
}

// NewSweeperService creates a new SweeperService
func NewSweeperService(store InventoryStore, clk clock.Clock, logger *logrus.Logger, holdCfg config.HoldConfig) *SweeperService {
	return &SweeperService{
		store:    store,
		clock:    clk,
		logger:   logger,
		interval: holdCfg.SweepInterval,
		batch:    holdCfg.SweepBatch,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop
func (s *SweeperService) Start() {
	s.logger.WithField("interval", s.interval.String()).Info("Starting hold expiry sweeper")
	go s.run()
}

// Stop stops the background sweep loop
func (s *SweeperService) Stop() {
	s.logger.Info("Stopping hold expiry sweeper")
	close(s.stopCh)
}

func (s *SweeperService) run() {
	// Run immediately on start
	s.sweepOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopCh:
			s.logger.Info("Hold expiry sweeper stopped")
			return
		}
	}
}

func (s *SweeperService) sweepOnce() {
	reclaimed, err := s.SweepExpired(context.Background())
	if err != nil {
		// Log and carry on; the next scheduled run retries
		s.logger.WithError(err).Error("Hold expiry sweep failed")
		return
	}
	if reclaimed > 0 {
		s.logger.WithField("reclaimed", reclaimed).Info("Expired holds reclaimed")
	}
}

// SweepExpired runs one sweep cycle and returns the number of seats
// reclaimed. Each inventory is reclaimed in its own atomic update; an error
// on one inventory does not stop the rest.
func (s *SweeperService) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()

	inventoryIDs, err := s.store.FindExpiredHoldInventories(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, inventoryID := range inventoryIDs {
		result, err := s.store.ApplyConditional(ctx, inventoryID, nil, func(seats []models.SeatState) error {
			for i := range seats {
				seat := &seats[i]
				if !seat.HoldExpired(now) {
					continue
				}
				seat.Status = models.SeatStatusAvailable
				seat.ClearHold()
			}
			return nil
		})
		if err != nil {
			s.logger.WithError(err).WithField("inventory_id", inventoryID).
				Error("Failed to reclaim expired holds for inventory")
			continue
		}
		reclaimed += len(result.Modified)
	}

	return reclaimed, nil
}
