package services

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulecabs/seat-inventory-backend/internal/config"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
)

type lockingFixture struct {
	store        *fakeInventoryStore
	routes       *fakeRouteStore
	clock        *fakeClock
	availability *AvailabilityService
	locking      *LockingService
	routeID      uuid.UUID
	travelDate   time.Time
}

func newLockingFixture(t *testing.T) *lockingFixture {
	t.Helper()

	clk := newFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	store := newFakeInventoryStore(clk)
	routes := newFakeRouteStore()

	routeID := uuid.New()
	routes.template[routeID] = []models.TemplateSeat{
		{SeatNumber: "A1", SeatType: "window", BasePrice: 1200},
		{SeatNumber: "A2", SeatType: "aisle", BasePrice: 1200},
		{SeatNumber: "B1", SeatType: "window", BasePrice: 1200, Premium: 300},
		{SeatNumber: "B2", SeatType: "aisle", BasePrice: 1200},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	availability := NewAvailabilityService(store, routes, logger)
	holdCfg := config.HoldConfig{
		DefaultTTL:    10 * time.Minute,
		MaxTTL:        30 * time.Minute,
		SweepInterval: time.Minute,
		SweepBatch:    100,
		MaxTxRetries:  3,
	}

	return &lockingFixture{
		store:        store,
		routes:       routes,
		clock:        clk,
		availability: availability,
		locking:      NewLockingService(store, availability, nil, clk, logger, holdCfg),
		routeID:      routeID,
		travelDate:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *lockingFixture) inventoryID(t *testing.T) uuid.UUID {
	t.Helper()
	inv, err := f.store.FindByRouteAndDate(context.Background(), f.routeID, f.travelDate)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv.ID
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		expiry, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, holder, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(5*time.Minute), expiry)

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 4, summary.TotalSeats)
		assert.Equal(t, 2, summary.AvailableSeats)
		assert.Equal(t, 2, summary.HeldSeats)

		seat, ok := f.store.seatByNumber(f.inventoryID(t), "A1")
		require.True(t, ok)
		assert.Equal(t, models.SeatStatusHeld, seat.Status)
		require.NotNil(t, seat.HolderID)
		assert.Equal(t, holder, *seat.HolderID)
	})

	t.Run("Initializes Inventory On First Lock", func(t *testing.T) {
		f := newLockingFixture(t)

		inv, err := f.store.FindByRouteAndDate(ctx, f.routeID, f.travelDate)
		require.NoError(t, err)
		assert.Nil(t, inv)

		_, err = f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, uuid.New(), 0)
		require.NoError(t, err)

		inv, err = f.store.FindByRouteAndDate(ctx, f.routeID, f.travelDate)
		require.NoError(t, err)
		require.NotNil(t, inv)
		assert.Equal(t, 4, inv.Summary.TotalSeats)
	})

	t.Run("Conflict Names All Blocking Seats And Mutates Nothing", func(t *testing.T) {
		f := newLockingFixture(t)
		first := uuid.New()
		second := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, first, 10*time.Minute)
		require.NoError(t, err)

		_, err = f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, second, 10*time.Minute)
		var unavailable *SeatUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, []string{"A1"}, unavailable.Seats)

		// A2 must not have been held by the failed request
		seat, ok := f.store.seatByNumber(f.inventoryID(t), "A2")
		require.True(t, ok)
		assert.Equal(t, models.SeatStatusAvailable, seat.Status)

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 1, summary.HeldSeats)
		assert.Equal(t, 3, summary.AvailableSeats)
	})

	t.Run("Reacquire By Same Holder Refreshes Expiry", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 10*time.Minute)
		require.NoError(t, err)

		firstSeat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		require.NotNil(t, firstSeat.HeldAt)

		f.clock.Advance(4 * time.Minute)
		expiry, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), expiry)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		require.NotNil(t, seat.HeldAt)
		assert.True(t, seat.HeldAt.Equal(*firstSeat.HeldAt), "re-acquire must not reset held_at")

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 1, summary.HeldSeats, "re-acquire must not change counts")
	})

	t.Run("Expired Hold Is Acquirable By Another Holder", func(t *testing.T) {
		f := newLockingFixture(t)
		first := uuid.New()
		second := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, first, 2*time.Minute)
		require.NoError(t, err)

		f.clock.Advance(3 * time.Minute)

		_, err = f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, second, 10*time.Minute)
		require.NoError(t, err)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		require.NotNil(t, seat.HolderID)
		assert.Equal(t, second, *seat.HolderID)
	})

	t.Run("Unknown Seat Rejected", func(t *testing.T) {
		f := newLockingFixture(t)

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "Z9"}, uuid.New(), 0)
		var unavailable *SeatUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Contains(t, unavailable.Seats, "Z9")
	})

	t.Run("Blocked Seat Rejected", func(t *testing.T) {
		f := newLockingFixture(t)
		f.routes.template[f.routeID][0].IsBlocked = true

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, uuid.New(), 0)
		var unavailable *SeatUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, []string{"A1"}, unavailable.Seats)
	})

	t.Run("TTL Clamped To Configured Bounds", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		expiry, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 0)
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(10*time.Minute), expiry, "zero TTL takes the default")

		expiry, err = f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 4*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, f.clock.Now().Add(30*time.Minute), expiry, "oversized TTL clamps to the maximum")
	})

	t.Run("Duplicate Seat Numbers Collapse", func(t *testing.T) {
		f := newLockingFixture(t)

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "A1"}, uuid.New(), 0)
		require.NoError(t, err)

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 1, summary.HeldSeats)
	})
}

func TestPromote(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "B1"}, holder, 10*time.Minute)
		require.NoError(t, err)

		err = f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A1", "B1"}, holder, "BK-1001")
		require.NoError(t, err)

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 2, summary.BookedSeats)
		assert.Equal(t, 0, summary.HeldSeats)
		assert.Equal(t, 2, summary.AvailableSeats)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		assert.Equal(t, models.SeatStatusBooked, seat.Status)
		require.NotNil(t, seat.BookingRef)
		assert.Equal(t, "BK-1001", *seat.BookingRef)
		assert.Nil(t, seat.HolderID, "hold bookkeeping cleared on promotion")
		assert.Nil(t, seat.HoldExpiry)
	})

	t.Run("Partial Hold Fails Whole Request", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 10*time.Minute)
		require.NoError(t, err)

		err = f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, holder, "BK-1002")
		require.ErrorIs(t, err, ErrHoldNotFound)

		// The held seat must not have transitioned
		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		assert.Equal(t, models.SeatStatusHeld, seat.Status)
	})

	t.Run("Hold Owned By Another Holder", func(t *testing.T) {
		f := newLockingFixture(t)
		owner := uuid.New()
		intruder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, owner, 10*time.Minute)
		require.NoError(t, err)

		err = f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A1"}, intruder, "BK-1003")
		var ownership *HoldOwnershipError
		require.ErrorAs(t, err, &ownership)
		assert.Equal(t, []string{"A1"}, ownership.Seats)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		assert.Equal(t, models.SeatStatusHeld, seat.Status)
		require.NotNil(t, seat.HolderID)
		assert.Equal(t, owner, *seat.HolderID)
	})

	t.Run("Expired Hold Not Promotable", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 2*time.Minute)
		require.NoError(t, err)

		f.clock.Advance(3 * time.Minute)

		err = f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, "BK-1004")
		require.ErrorIs(t, err, ErrHoldNotFound)
	})

	t.Run("No Inventory", func(t *testing.T) {
		f := newLockingFixture(t)

		err := f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A1"}, uuid.New(), "BK-1005")
		require.ErrorIs(t, err, ErrHoldNotFound)
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, holder, 10*time.Minute)
		require.NoError(t, err)

		released, err := f.locking.Release(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, &holder)
		require.NoError(t, err)
		assert.Equal(t, 2, released)

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 4, summary.AvailableSeats)
		assert.Equal(t, 0, summary.HeldSeats)
	})

	t.Run("Other Holders Untouched", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()
		other := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 10*time.Minute)
		require.NoError(t, err)
		_, err = f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A2"}, other, 10*time.Minute)
		require.NoError(t, err)

		released, err := f.locking.Release(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, &holder)
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A2")
		assert.Equal(t, models.SeatStatusHeld, seat.Status)
	})

	t.Run("Nothing To Release Is Not An Error", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		released, err := f.locking.Release(ctx, f.routeID, f.travelDate, []string{"A1"}, &holder)
		require.NoError(t, err)
		assert.Zero(t, released, "missing inventory releases nothing")

		_, err = f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 10*time.Minute)
		require.NoError(t, err)

		released, err = f.locking.Release(ctx, f.routeID, f.travelDate, []string{"A2", "Z9"}, &holder)
		require.NoError(t, err)
		assert.Zero(t, released, "unheld and unknown seats release nothing")
	})
}

func TestCancelBooking(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, holder, 10*time.Minute)
		require.NoError(t, err)
		err = f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, holder, "BK-2001")
		require.NoError(t, err)

		released, err := f.locking.CancelBooking(ctx, f.routeID, f.travelDate, "BK-2001")
		require.NoError(t, err)
		assert.Equal(t, 2, released)

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 4, summary.AvailableSeats)
		assert.Equal(t, 0, summary.BookedSeats)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		assert.Nil(t, seat.BookingRef)
		assert.Nil(t, seat.BookedByUserID)
	})

	t.Run("Only Matching Reference Released", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, holder, 10*time.Minute)
		require.NoError(t, err)
		require.NoError(t, f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, "BK-2002"))
		require.NoError(t, f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A2"}, holder, "BK-2003"))

		released, err := f.locking.CancelBooking(ctx, f.routeID, f.travelDate, "BK-2002")
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A2")
		assert.Equal(t, models.SeatStatusBooked, seat.Status)
	})

	t.Run("Unknown Reference", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 10*time.Minute)
		require.NoError(t, err)

		_, err = f.locking.CancelBooking(ctx, f.routeID, f.travelDate, "BK-NOPE")
		require.ErrorIs(t, err, ErrBookingNotFound)
	})

	t.Run("No Inventory", func(t *testing.T) {
		f := newLockingFixture(t)

		_, err := f.locking.CancelBooking(ctx, f.routeID, f.travelDate, "BK-2004")
		require.ErrorIs(t, err, ErrBookingNotFound)
	})
}

func TestBlockAndUnblock(t *testing.T) {
	ctx := context.Background()

	t.Run("Block Available Seats", func(t *testing.T) {
		f := newLockingFixture(t)
		operator := uuid.New()

		err := f.locking.BlockSeats(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, operator, "maintenance")
		require.NoError(t, err)

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 2, summary.BlockedSeats)
		assert.Equal(t, 2, summary.AvailableSeats)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		require.NotNil(t, seat.BlockReason)
		assert.Equal(t, "maintenance", *seat.BlockReason)
	})

	t.Run("Block Never Preempts A Live Hold", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 10*time.Minute)
		require.NoError(t, err)

		err = f.locking.BlockSeats(ctx, f.routeID, f.travelDate, []string{"A1"}, uuid.New(), "maintenance")
		var unavailable *SeatUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, []string{"A1"}, unavailable.Seats)
	})

	t.Run("Block Claims An Expired Hold", func(t *testing.T) {
		f := newLockingFixture(t)
		holder := uuid.New()

		_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1"}, holder, 2*time.Minute)
		require.NoError(t, err)
		f.clock.Advance(3 * time.Minute)

		err = f.locking.BlockSeats(ctx, f.routeID, f.travelDate, []string{"A1"}, uuid.New(), "maintenance")
		require.NoError(t, err)

		seat, _ := f.store.seatByNumber(f.inventoryID(t), "A1")
		assert.Equal(t, models.SeatStatusBlocked, seat.Status)
		assert.Nil(t, seat.HolderID, "stale hold bookkeeping cleared")
	})

	t.Run("Unblock Returns Seats To Sale", func(t *testing.T) {
		f := newLockingFixture(t)
		operator := uuid.New()

		require.NoError(t, f.locking.BlockSeats(ctx, f.routeID, f.travelDate, []string{"A1", "A2"}, operator, "maintenance"))

		unblocked, err := f.locking.UnblockSeats(ctx, f.routeID, f.travelDate, []string{"A1", "A2", "B1"})
		require.NoError(t, err)
		assert.Equal(t, 2, unblocked, "seats not blocked are skipped")

		summary := f.store.summaryFor(f.inventoryID(t))
		assert.Equal(t, 0, summary.BlockedSeats)
		assert.Equal(t, 4, summary.AvailableSeats)
	})

	t.Run("Unblock Without Inventory", func(t *testing.T) {
		f := newLockingFixture(t)

		_, err := f.locking.UnblockSeats(ctx, f.routeID, f.travelDate, []string{"A1"})
		require.ErrorIs(t, err, ErrInventoryNotFound)
	})
}

// TestBookingLifecycle walks a full checkout: hold, promote, cancel. The
// summary must tally after every transition.
func TestBookingLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newLockingFixture(t)
	holder := uuid.New()

	_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"A1", "B1"}, holder, 10*time.Minute)
	require.NoError(t, err)

	invID := f.inventoryID(t)
	summary := f.store.summaryFor(invID)
	assert.Equal(t, models.SeatSummary{TotalSeats: 4, AvailableSeats: 2, HeldSeats: 2}, summary)
	assert.True(t, summary.Consistent())

	require.NoError(t, f.locking.Promote(ctx, f.routeID, f.travelDate, []string{"A1", "B1"}, holder, "BK-3001"))
	summary = f.store.summaryFor(invID)
	assert.Equal(t, models.SeatSummary{TotalSeats: 4, AvailableSeats: 2, BookedSeats: 2}, summary)
	assert.True(t, summary.Consistent())

	released, err := f.locking.CancelBooking(ctx, f.routeID, f.travelDate, "BK-3001")
	require.NoError(t, err)
	assert.Equal(t, 2, released)
	summary = f.store.summaryFor(invID)
	assert.Equal(t, models.SeatSummary{TotalSeats: 4, AvailableSeats: 4}, summary)
	assert.True(t, summary.Consistent())
}

// TestConcurrentAcquire races many holders for the same seat; exactly one may
// win and the summary must still tally.
func TestConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	f := newLockingFixture(t)

	const holders = 16
	errCh := make(chan error, holders)
	for i := 0; i < holders; i++ {
		go func() {
			_, err := f.locking.Acquire(ctx, f.routeID, f.travelDate, []string{"B2"}, uuid.New(), 10*time.Minute)
			errCh <- err
		}()
	}

	winners := 0
	for i := 0; i < holders; i++ {
		err := <-errCh
		if err == nil {
			winners++
			continue
		}
		var unavailable *SeatUnavailableError
		require.True(t, errors.As(err, &unavailable), "losers must see SeatUnavailableError, got %v", err)
	}

	assert.Equal(t, 1, winners)
	summary := f.store.summaryFor(f.inventoryID(t))
	assert.Equal(t, 1, summary.HeldSeats)
	assert.True(t, summary.Consistent())
}
