package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/models"
)

var (
	// ErrInventoryExists is returned when a (route, date) inventory already exists
	ErrInventoryExists = errors.New("seat inventory already exists for route and date")

	// ErrInventoryFrozen is returned for writes against an inventory that was
	// frozen after a summary invariant violation; it needs manual repair
	ErrInventoryFrozen = errors.New("seat inventory is frozen pending manual repair")

	// ErrSummaryMismatch indicates the recomputed summary did not tally with
	// the seat rows. Must never happen while the conditional-update contract
	// is honored.
	ErrSummaryMismatch = errors.New("seat summary does not tally with seat rows")

	// ErrTxConflict is returned after the bounded retry on concurrent-writer
	// conflicts is exhausted
	ErrTxConflict = errors.New("transaction conflict retries exhausted")
)

// SeatMutator validates and mutates the targeted seat set in place. Returning
// an error aborts the whole conditional update with nothing written; the
// error passes through ApplyConditional unwrapped so callers keep their typed
// taxonomy. The slice holds only the seats that exist in the inventory, so
// mutators can detect unknown seat numbers by comparing lengths. Pointer
// fields must be replaced, never written through, so change detection against
// the pre-mutation snapshot stays sound.
type SeatMutator func(seats []models.SeatState) error

// ConditionalResult reports the outcome of one conditional seat update
type ConditionalResult struct {
	Modified []string           // seat numbers whose state changed
	Summary  models.SeatSummary // summary committed alongside the seat changes
}

// SeatInventoryRepository handles seat_inventories and inventory_seats
// database operations. All multi-seat mutations go through ApplyConditional,
// which gives the locking engine its all-or-nothing guarantee.
type SeatInventoryRepository struct {
	db         *sqlx.DB
	logger     *logrus.Logger
	maxRetries int
}

// NewSeatInventoryRepository creates a new SeatInventoryRepository
func NewSeatInventoryRepository(db *sqlx.DB, logger *logrus.Logger, maxRetries int) *SeatInventoryRepository {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &SeatInventoryRepository{db: db, logger: logger, maxRetries: maxRetries}
}

// inventoryRow scans the flat seat_inventories columns
type inventoryRow struct {
	ID             uuid.UUID  `db:"id"`
	RouteID        uuid.UUID  `db:"route_id"`
	TravelDate     time.Time  `db:"travel_date"`
	TotalSeats     int        `db:"total_seats"`
	AvailableSeats int        `db:"available_seats"`
	HeldSeats      int        `db:"held_seats"`
	BookedSeats    int        `db:"booked_seats"`
	BlockedSeats   int        `db:"blocked_seats"`
	FrozenAt       *time.Time `db:"frozen_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r inventoryRow) toModel() *models.SeatInventory {
	return &models.SeatInventory{
		ID:         r.ID,
		RouteID:    r.RouteID,
		TravelDate: r.TravelDate,
		Summary: models.SeatSummary{
			TotalSeats:     r.TotalSeats,
			AvailableSeats: r.AvailableSeats,
			HeldSeats:      r.HeldSeats,
			BookedSeats:    r.BookedSeats,
			BlockedSeats:   r.BlockedSeats,
		},
		FrozenAt:  r.FrozenAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const inventoryColumns = `
	id, route_id, travel_date,
	total_seats, available_seats, held_seats, booked_seats, blocked_seats,
	frozen_at, created_at, updated_at`

const seatColumns = `
	id, inventory_id, seat_number, seat_type, seat_price, status,
	holder_id, held_at, hold_expiry,
	booked_by_user_id, booked_at, booking_reference,
	block_reason, blocked_by_user_id, created_at, updated_at`

// FindByRouteAndDate returns the inventory for a (route, travel date) pair,
// without its seat list. Returns nil when no inventory exists yet.
func (r *SeatInventoryRepository) FindByRouteAndDate(ctx context.Context, routeID uuid.UUID, travelDate time.Time) (*models.SeatInventory, error) {
	query := `SELECT ` + inventoryColumns + `
		FROM seat_inventories
		WHERE route_id = $1 AND travel_date = $2`

	var row inventoryRow
	err := r.db.GetContext(ctx, &row, query, routeID, dateOnly(travelDate))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find seat inventory: %w", err)
	}

	return row.toModel(), nil
}

// GetSeats returns all seats of an inventory ordered by seat number
func (r *SeatInventoryRepository) GetSeats(ctx context.Context, inventoryID uuid.UUID) ([]models.SeatState, error) {
	query := `SELECT ` + seatColumns + `
		FROM inventory_seats
		WHERE inventory_id = $1
		ORDER BY seat_number`

	var seats []models.SeatState
	if err := r.db.SelectContext(ctx, &seats, query, inventoryID); err != nil {
		return nil, fmt.Errorf("failed to get inventory seats: %w", err)
	}
	return seats, nil
}

// GetHeldSeats returns the seats of an inventory currently held by holderID
// with a live (unexpired) hold
func (r *SeatInventoryRepository) GetHeldSeats(ctx context.Context, inventoryID, holderID uuid.UUID) ([]models.SeatState, error) {
	query := `SELECT ` + seatColumns + `
		FROM inventory_seats
		WHERE inventory_id = $1 AND status = 'held' AND holder_id = $2 AND hold_expiry > NOW()
		ORDER BY seat_number`

	var seats []models.SeatState
	if err := r.db.SelectContext(ctx, &seats, query, inventoryID, holderID); err != nil {
		return nil, fmt.Errorf("failed to get held seats: %w", err)
	}
	return seats, nil
}

// CreateInventory inserts a new inventory and its seat list in one
// transaction. The summary columns are tallied from the seat list. Returns
// ErrInventoryExists when another writer created the same (route, date) pair
// first; inventories are never deleted, so callers can simply re-read.
func (r *SeatInventoryRepository) CreateInventory(ctx context.Context, inv *models.SeatInventory) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	now := time.Now()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	inv.Summary = models.SummarizeSeats(inv.Seats)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO seat_inventories (
			id, route_id, travel_date,
			total_seats, available_seats, held_seats, booked_seats, blocked_seats,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inv.ID, inv.RouteID, dateOnly(inv.TravelDate),
		inv.Summary.TotalSeats, inv.Summary.AvailableSeats, inv.Summary.HeldSeats,
		inv.Summary.BookedSeats, inv.Summary.BlockedSeats,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrInventoryExists
		}
		return fmt.Errorf("failed to insert seat inventory: %w", err)
	}

	insertSeat := `
		INSERT INTO inventory_seats (
			id, inventory_id, seat_number, seat_type, seat_price, status,
			holder_id, held_at, hold_expiry,
			booked_by_user_id, booked_at, booking_reference,
			block_reason, blocked_by_user_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	for i := range inv.Seats {
		seat := &inv.Seats[i]
		if seat.ID == uuid.Nil {
			seat.ID = uuid.New()
		}
		seat.InventoryID = inv.ID
		seat.CreatedAt = now
		seat.UpdatedAt = now

		_, err = tx.ExecContext(ctx, insertSeat,
			seat.ID, seat.InventoryID, seat.SeatNumber, seat.SeatType, seat.SeatPrice, seat.Status,
			seat.HolderID, seat.HeldAt, seat.HoldExpiry,
			seat.BookedByUserID, seat.BookedAt, seat.BookingRef,
			seat.BlockReason, seat.BlockedByUser, seat.CreatedAt, seat.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert inventory seat %s: %w", seat.SeatNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrInventoryExists
		}
		return fmt.Errorf("failed to commit seat inventory: %w", err)
	}

	return nil
}

// ApplyConditional runs one atomic conditional update over an inventory's
// seats. The parent row is locked for the duration of the transaction, so the
// mutator sees a consistent snapshot and no other writer can interleave
// between validation and commit. An empty seatNumbers slice targets every
// seat (sweep and cancel-by-reference scope).
//
// Either every change the mutator makes commits together with a recomputed
// summary, or nothing commits. Concurrent-writer conflicts are retried a
// bounded number of times before surfacing as ErrTxConflict.
func (r *SeatInventoryRepository) ApplyConditional(ctx context.Context, inventoryID uuid.UUID, seatNumbers []string, fn SeatMutator) (*ConditionalResult, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		result, err := r.applyConditionalOnce(ctx, inventoryID, seatNumbers, fn)
		if err == nil {
			return result, nil
		}
		if !isRetryableTxError(err) {
			return nil, err
		}
		lastErr = err
		r.logger.WithError(err).WithFields(logrus.Fields{
			"inventory_id": inventoryID,
			"attempt":      attempt + 1,
		}).Warn("Retrying conditional seat update after transaction conflict")
	}
	return nil, fmt.Errorf("%w: %v", ErrTxConflict, lastErr)
}

func (r *SeatInventoryRepository) applyConditionalOnce(ctx context.Context, inventoryID uuid.UUID, seatNumbers []string, fn SeatMutator) (*ConditionalResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the parent row. Writers for the same inventory serialize here,
	// which is what makes validate-then-commit race free.
	var parent struct {
		TotalSeats int        `db:"total_seats"`
		FrozenAt   *time.Time `db:"frozen_at"`
	}
	err = tx.GetContext(ctx, &parent, `
		SELECT total_seats, frozen_at FROM seat_inventories
		WHERE id = $1
		FOR UPDATE`, inventoryID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("seat inventory %s does not exist", inventoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock seat inventory: %w", err)
	}
	if parent.FrozenAt != nil {
		return nil, ErrInventoryFrozen
	}

	seats, err := r.selectSeatsForUpdate(ctx, tx, inventoryID, seatNumbers)
	if err != nil {
		return nil, err
	}

	before := make([]models.SeatState, len(seats))
	copy(before, seats)

	if err := fn(seats); err != nil {
		// The mutator vetoed: nothing is written for any seat
		return nil, err
	}

	result := &ConditionalResult{}

	updateSeat := `
		UPDATE inventory_seats
		SET status = $2,
			holder_id = $3,
			held_at = $4,
			hold_expiry = $5,
			booked_by_user_id = $6,
			booked_at = $7,
			booking_reference = $8,
			block_reason = $9,
			blocked_by_user_id = $10,
			updated_at = NOW()
		WHERE id = $1`

	for i := range seats {
		seat := &seats[i]
		if seatStateEqual(before[i], seats[i]) {
			continue
		}
		if !seat.Status.Valid() {
			return nil, fmt.Errorf("mutator produced invalid status %q for seat %s", seat.Status, seat.SeatNumber)
		}

		_, err = tx.ExecContext(ctx, updateSeat,
			seat.ID, seat.Status,
			seat.HolderID, seat.HeldAt, seat.HoldExpiry,
			seat.BookedByUserID, seat.BookedAt, seat.BookingRef,
			seat.BlockReason, seat.BlockedByUser,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update seat %s: %w", seat.SeatNumber, err)
		}
		result.Modified = append(result.Modified, seat.SeatNumber)
	}

	summary, err := r.recomputeSummary(ctx, tx, inventoryID)
	if err != nil {
		return nil, err
	}
	if !summary.Consistent() {
		// Fatal internal-consistency bug: refuse the write and freeze the
		// record so nothing else touches it until it is repaired by hand.
		r.logger.WithFields(logrus.Fields{
			"inventory_id":    inventoryID,
			"total_seats":     summary.TotalSeats,
			"available_seats": summary.AvailableSeats,
			"held_seats":      summary.HeldSeats,
			"booked_seats":    summary.BookedSeats,
			"blocked_seats":   summary.BlockedSeats,
		}).Error("SUMMARY INVARIANT VIOLATION: seat counts do not tally, freezing inventory")
		tx.Rollback()
		r.freezeInventory(ctx, inventoryID)
		return nil, ErrSummaryMismatch
	}
	result.Summary = summary

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conditional seat update: %w", err)
	}

	return result, nil
}

func (r *SeatInventoryRepository) selectSeatsForUpdate(ctx context.Context, tx *sqlx.Tx, inventoryID uuid.UUID, seatNumbers []string) ([]models.SeatState, error) {
	var seats []models.SeatState

	if len(seatNumbers) == 0 {
		query := `SELECT ` + seatColumns + `
			FROM inventory_seats
			WHERE inventory_id = $1
			ORDER BY seat_number`
		if err := tx.SelectContext(ctx, &seats, query, inventoryID); err != nil {
			return nil, fmt.Errorf("failed to select inventory seats: %w", err)
		}
		return seats, nil
	}

	query, args, err := sqlx.In(`SELECT `+seatColumns+`
		FROM inventory_seats
		WHERE inventory_id = ? AND seat_number IN (?)
		ORDER BY seat_number`, inventoryID, seatNumbers)
	if err != nil {
		return nil, fmt.Errorf("failed to build seat selection query: %w", err)
	}
	query = tx.Rebind(query)
	if err := tx.SelectContext(ctx, &seats, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select targeted seats: %w", err)
	}
	return seats, nil
}

// recomputeSummary derives the summary columns from the seat rows inside the
// same transaction. Counts are never carried forward from a previous value.
func (r *SeatInventoryRepository) recomputeSummary(ctx context.Context, tx *sqlx.Tx, inventoryID uuid.UUID) (models.SeatSummary, error) {
	query := `
		UPDATE seat_inventories si
		SET available_seats = agg.available,
			held_seats = agg.held,
			booked_seats = agg.booked,
			blocked_seats = agg.blocked,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = 'available') AS available,
				COUNT(*) FILTER (WHERE status = 'held') AS held,
				COUNT(*) FILTER (WHERE status = 'booked') AS booked,
				COUNT(*) FILTER (WHERE status = 'blocked') AS blocked
			FROM inventory_seats
			WHERE inventory_id = $1
		) agg
		WHERE si.id = $1
		RETURNING si.total_seats, si.available_seats, si.held_seats, si.booked_seats, si.blocked_seats`

	var summary models.SeatSummary
	row := tx.QueryRowContext(ctx, query, inventoryID)
	err := row.Scan(&summary.TotalSeats, &summary.AvailableSeats, &summary.HeldSeats,
		&summary.BookedSeats, &summary.BlockedSeats)
	if err != nil {
		return models.SeatSummary{}, fmt.Errorf("failed to recompute seat summary: %w", err)
	}
	return summary, nil
}

// freezeInventory marks an inventory as refusing writes. Best effort, runs
// outside the rolled-back transaction.
func (r *SeatInventoryRepository) freezeInventory(ctx context.Context, inventoryID uuid.UUID) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE seat_inventories
		SET frozen_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND frozen_at IS NULL`, inventoryID)
	if err != nil {
		r.logger.WithError(err).WithField("inventory_id", inventoryID).
			Error("Failed to freeze corrupt inventory")
	}
}

// FindExpiredHoldInventories returns the IDs of inventories that contain at
// least one hold past its expiry, for the sweeper to reclaim
func (r *SeatInventoryRepository) FindExpiredHoldInventories(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT inventory_id
		FROM inventory_seats
		WHERE status = 'held' AND hold_expiry < $1
		LIMIT $2`

	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to scan for expired holds: %w", err)
	}
	return ids, nil
}

// seatStateEqual compares the mutable fields of a seat; untouched seats are
// skipped when writing back
func seatStateEqual(a, b models.SeatState) bool {
	return a.Status == b.Status &&
		uuidPtrEqual(a.HolderID, b.HolderID) &&
		timePtrEqual(a.HeldAt, b.HeldAt) &&
		timePtrEqual(a.HoldExpiry, b.HoldExpiry) &&
		uuidPtrEqual(a.BookedByUserID, b.BookedByUserID) &&
		timePtrEqual(a.BookedAt, b.BookedAt) &&
		stringPtrEqual(a.BookingRef, b.BookingRef) &&
		stringPtrEqual(a.BlockReason, b.BlockReason) &&
		uuidPtrEqual(a.BlockedByUser, b.BlockedByUser)
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isRetryableTxError matches serialization failures and deadlocks, which a
// fresh attempt can win
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// dateOnly truncates a timestamp to its calendar date, the granularity of the
// (route_id, travel_date) natural key
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
