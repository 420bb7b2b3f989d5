package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `id, requester_id, driver_id, pickup_lat, pickup_lon, pickup_address,
	dest_lat, dest_lon, dest_address, price, status, rejected_drivers, reassignment_attempts,
	cancel_initiator, cancel_reason, cancel_at, timer_token, payment_hold_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		t                           models.Trip
		driverID, initiator, reason sql.NullString
		token, holdID               sql.NullString
		cancelAt                    sql.NullTime
		status                      string
		rejected                    pq.StringArray
	)
	err := row.Scan(&t.ID, &t.RequesterID, &driverID,
		&t.Pickup.Lat, &t.Pickup.Lon, &t.Pickup.Address,
		&t.Destination.Lat, &t.Destination.Lon, &t.Destination.Address,
		&t.Price, &status, &rejected, &t.ReassignmentAttempts,
		&initiator, &reason, &cancelAt, &token, &holdID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.DriverID = driverID.String
	t.Status = models.Status(status)
	t.RejectedDrivers = []string(rejected)
	t.ActiveTimerToken = token.String
	t.PaymentHoldID = holdID.String
	if initiator.Valid {
		t.Cancellation = &models.CancellationDetails{
			Initiator: models.Initiator(initiator.String),
			Reason:    reason.String,
			Timestamp: cancelAt.Time,
		}
	}
	return &t, nil
}

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func cancellationArgs(cd *models.CancellationDetails) (sql.NullString, sql.NullString, sql.NullTime) {
	if cd == nil {
		return sql.NullString{}, sql.NullString{}, sql.NullTime{}
	}
	return nullable(string(cd.Initiator)), sql.NullString{String: cd.Reason, Valid: true}, sql.NullTime{Time: cd.Timestamp, Valid: true}
}

func (p *PostgresStore) Create(ctx context.Context, t *models.Trip) error {
	initiator, reason, at := cancellationArgs(t.Cancellation)
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		t.ID, t.RequesterID, nullable(t.DriverID), t.Pickup.Lat, t.Pickup.Lon, t.Pickup.Address,
		t.Destination.Lat, t.Destination.Lon, t.Destination.Address, t.Price, string(t.Status),
		pq.StringArray(t.RejectedDrivers), t.ReassignmentAttempts, initiator, reason, at,
		nullable(t.ActiveTimerToken), nullable(t.PaymentHoldID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
}

// Update locks the row, checks the status predicate and rewrites the
// mutable columns in one transaction. The UPDATE repeats the status check
// so the write itself is conditional even under a weaker isolation level.
func (p *PostgresStore) Update(ctx context.Context, id string, allowed []models.Status, fn func(*models.Trip) error) (*models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanTrip(tx.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if !statusAllowed(cur.Status, allowed) {
		return cur, ErrConflict
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()

	initiator, reason, at := cancellationArgs(next.Cancellation)
	res, err := tx.ExecContext(ctx, `UPDATE trips SET driver_id=$1, price=$2, status=$3,
		rejected_drivers=$4, reassignment_attempts=$5, cancel_initiator=$6, cancel_reason=$7,
		cancel_at=$8, timer_token=$9, payment_hold_id=$10, updated_at=$11
		WHERE id=$12 AND status=$13`,
		nullable(next.DriverID), next.Price, string(next.Status), pq.StringArray(next.RejectedDrivers),
		next.ReassignmentAttempts, initiator, reason, at, nullable(next.ActiveTimerToken),
		nullable(next.PaymentHoldID), next.UpdatedAt, id, string(cur.Status))
	if err != nil {
		return nil, fmt.Errorf("update trip %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return cur, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (p *PostgresStore) ActiveForRequester(ctx context.Context, requesterID string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE requester_id=$1 AND status IN ('pending','accepted') LIMIT 1`, requesterID))
}

func (p *PostgresStore) ActiveForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE driver_id=$1 AND status IN ('pending','accepted') LIMIT 1`, driverID))
}

func (p *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM trips WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
