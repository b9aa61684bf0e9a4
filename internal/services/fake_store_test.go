package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capsulecabs/seat-inventory-backend/internal/database"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
)

// fakeClock is a manually advanced clock for hold-expiry tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeInventoryStore is an in-memory InventoryStore with the same
// all-or-nothing conditional-update contract as the Postgres repository. A
// mutex stands in for the parent-row lock.
type fakeInventoryStore struct {
	mu          sync.Mutex
	clock       *fakeClock
	inventories map[uuid.UUID]*models.SeatInventory
	seats       map[uuid.UUID][]models.SeatState
	frozen      map[uuid.UUID]bool
}

func newFakeInventoryStore(clock *fakeClock) *fakeInventoryStore {
	return &fakeInventoryStore{
		clock:       clock,
		inventories: make(map[uuid.UUID]*models.SeatInventory),
		seats:       make(map[uuid.UUID][]models.SeatState),
		frozen:      make(map[uuid.UUID]bool),
	}
}

func fakeDateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func (f *fakeInventoryStore) FindByRouteAndDate(_ context.Context, routeID uuid.UUID, travelDate time.Time) (*models.SeatInventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, inv := range f.inventories {
		if inv.RouteID == routeID && fakeDateKey(inv.TravelDate) == fakeDateKey(travelDate) {
			out := *inv
			out.Seats = nil
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeInventoryStore) GetSeats(_ context.Context, inventoryID uuid.UUID) ([]models.SeatState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copySeats(f.seats[inventoryID]), nil
}

func (f *fakeInventoryStore) GetHeldSeats(_ context.Context, inventoryID, holderID uuid.UUID) ([]models.SeatState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	var held []models.SeatState
	for _, seat := range f.seats[inventoryID] {
		if seat.HeldBy(holderID, now) {
			held = append(held, seat)
		}
	}
	return held, nil
}

func (f *fakeInventoryStore) CreateInventory(_ context.Context, inv *models.SeatInventory) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.inventories {
		if existing.RouteID == inv.RouteID && fakeDateKey(existing.TravelDate) == fakeDateKey(inv.TravelDate) {
			return database.ErrInventoryExists
		}
	}

	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	for i := range inv.Seats {
		inv.Seats[i].ID = uuid.New()
		inv.Seats[i].InventoryID = inv.ID
	}
	inv.Summary = models.SummarizeSeats(inv.Seats)

	stored := *inv
	stored.Seats = nil
	f.inventories[inv.ID] = &stored
	f.seats[inv.ID] = copySeats(inv.Seats)
	return nil
}

func (f *fakeInventoryStore) ApplyConditional(_ context.Context, inventoryID uuid.UUID, seatNumbers []string, fn database.SeatMutator) (*database.ConditionalResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.frozen[inventoryID] {
		return nil, database.ErrInventoryFrozen
	}
	stored, ok := f.seats[inventoryID]
	if !ok {
		return nil, fmt.Errorf("seat inventory %s does not exist", inventoryID)
	}

	target := make(map[string]struct{}, len(seatNumbers))
	for _, number := range seatNumbers {
		target[number] = struct{}{}
	}

	var working []models.SeatState
	for _, seat := range stored {
		if len(seatNumbers) == 0 {
			working = append(working, seat)
			continue
		}
		if _, ok := target[seat.SeatNumber]; ok {
			working = append(working, seat)
		}
	}
	sort.Slice(working, func(i, j int) bool { return working[i].SeatNumber < working[j].SeatNumber })

	before := copySeats(working)

	if err := fn(working); err != nil {
		return nil, err
	}

	result := &database.ConditionalResult{}
	for i := range working {
		if fakeSeatEqual(before[i], working[i]) {
			continue
		}
		result.Modified = append(result.Modified, working[i].SeatNumber)
		for j := range stored {
			if stored[j].SeatNumber == working[i].SeatNumber {
				stored[j] = working[i]
			}
		}
	}

	result.Summary = models.SummarizeSeats(stored)
	f.inventories[inventoryID].Summary = result.Summary
	return result, nil
}

func (f *fakeInventoryStore) FindExpiredHoldInventories(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []uuid.UUID
	for id, seats := range f.seats {
		for i := range seats {
			if seats[i].Status == models.SeatStatusHeld && seats[i].HoldExpiry != nil && seats[i].HoldExpiry.Before(now) {
				ids = append(ids, id)
				break
			}
		}
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// summaryFor reads the committed summary outside any operation
func (f *fakeInventoryStore) summaryFor(inventoryID uuid.UUID) models.SeatSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inventories[inventoryID].Summary
}

// seatByNumber reads one committed seat outside any operation
func (f *fakeInventoryStore) seatByNumber(inventoryID uuid.UUID, seatNumber string) (models.SeatState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seat := range f.seats[inventoryID] {
		if seat.SeatNumber == seatNumber {
			return seat, true
		}
	}
	return models.SeatState{}, false
}

func copySeats(seats []models.SeatState) []models.SeatState {
	out := make([]models.SeatState, len(seats))
	copy(out, seats)
	return out
}

// fakeSeatEqual mirrors the repository's change detection over the mutable
// seat fields
func fakeSeatEqual(a, b models.SeatState) bool {
	return a.Status == b.Status &&
		uuidPtrEq(a.HolderID, b.HolderID) &&
		timePtrEq(a.HeldAt, b.HeldAt) &&
		timePtrEq(a.HoldExpiry, b.HoldExpiry) &&
		uuidPtrEq(a.BookedByUserID, b.BookedByUserID) &&
		timePtrEq(a.BookedAt, b.BookedAt) &&
		strPtrEq(a.BookingRef, b.BookingRef) &&
		strPtrEq(a.BlockReason, b.BlockReason) &&
		uuidPtrEq(a.BlockedByUser, b.BlockedByUser)
}

func uuidPtrEq(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// fakeRouteStore serves a fixed template and segment layout
type fakeRouteStore struct {
	template map[uuid.UUID][]models.TemplateSeat
	segments []models.RouteSegment
}

func newFakeRouteStore() *fakeRouteStore {
	return &fakeRouteStore{template: make(map[uuid.UUID][]models.TemplateSeat)}
}

func (f *fakeRouteStore) GetSeatTemplate(_ context.Context, routeID uuid.UUID) ([]models.TemplateSeat, error) {
	template, ok := f.template[routeID]
	if !ok {
		return nil, database.ErrTemplateNotFound
	}
	return template, nil
}

func (f *fakeRouteStore) GetOverlappingSegments(_ context.Context, tripID uuid.UUID, boardOrder, dropOrder int) ([]models.RouteSegment, error) {
	var overlapping []models.RouteSegment
	for _, segment := range f.segments {
		if segment.TripID == tripID && segment.Overlaps(boardOrder, dropOrder) {
			overlapping = append(overlapping, segment)
		}
	}
	return overlapping, nil
}
