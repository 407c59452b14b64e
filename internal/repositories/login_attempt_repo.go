package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/loginguard/internal/database"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// maxUpdateRetries bounds how often Update restarts after losing a first-insert race
// or hitting a serialization failure
const maxUpdateRetries = 5

var errConcurrentInsert = errors.New("login attempt inserted concurrently")

const attemptColumns = `id, identifier, identifier_type, failed_attempts, consecutive_failures,
	blocked_until, last_attempt, created_at, updated_at`

// LoginAttemptRepository handles database operations for login attempt records
type LoginAttemptRepository struct {
	db *database.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

// Get returns the record for (identifier, type) or models.ErrNotFound
func (r *LoginAttemptRepository) Get(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error) {
	query := `SELECT ` + attemptColumns + ` FROM login_attempts
		WHERE identifier = $1 AND identifier_type = $2`

	rec, err := scanAttempt(r.db.Pool.QueryRow(ctx, query, identifier, typ.String()))
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return rec, nil
}

// Update locks the row with SELECT ... FOR UPDATE, applies fn and writes the result in the
// same transaction. When the row does not exist yet and a concurrent transaction inserts it
// first, or the server aborts the transaction as a deadlock, the whole transaction is retried.
func (r *LoginAttemptRepository) Update(ctx context.Context, identifier string, typ models.IdentifierType, fn services.UpdateFunc) (*models.AttemptRecord, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		var result *models.AttemptRecord

		err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
			query := `SELECT ` + attemptColumns + ` FROM login_attempts
				WHERE identifier = $1 AND identifier_type = $2
				FOR UPDATE`

			prior, err := scanAttempt(tx.QueryRow(ctx, query, identifier, typ.String()))
			if errors.Is(err, pgx.ErrNoRows) {
				prior = nil
			} else if err != nil {
				return err
			}

			next, err := fn(prior)
			if err != nil {
				return err
			}
			next.Identifier = identifier
			next.Type = typ

			if prior == nil {
				next.ID = uuid.New().String()
				inserted, err := insertAttempt(ctx, tx, next)
				if err != nil {
					return err
				}
				if !inserted {
					return errConcurrentInsert
				}
			} else {
				next.ID = prior.ID
				next.CreatedAt = prior.CreatedAt
				if err := updateAttempt(ctx, tx, next); err != nil {
					return err
				}
			}

			result = next
			return nil
		})

		if errors.Is(err, errConcurrentInsert) {
			continue
		}
		if err != nil {
			err = database.MapPostgresError(err)
			if errors.Is(err, database.ErrRetryable) {
				continue
			}
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("failed to upsert login attempt after %d retries", maxUpdateRetries)
}

// Reset clears the failure streak and block of an existing record
func (r *LoginAttemptRepository) Reset(ctx context.Context, identifier string, typ models.IdentifierType, now time.Time) error {
	query := `
		UPDATE login_attempts
		SET consecutive_failures = 0, blocked_until = NULL, last_attempt = $3, updated_at = $3
		WHERE identifier = $1 AND identifier_type = $2
	`

	_, err := r.db.Pool.Exec(ctx, query, identifier, typ.String(), now)
	return database.MapPostgresError(err)
}

// DeleteStale removes idle unblocked records in a single conditional statement, so a record
// that gets blocked while the sweep runs no longer matches the predicate
func (r *LoginAttemptRepository) DeleteStale(ctx context.Context, cutoff, now time.Time, includeExpired bool) (int64, error) {
	query := `
		DELETE FROM login_attempts
		WHERE last_attempt < $1
		  AND (blocked_until IS NULL OR ($3 AND blocked_until <= $2))
	`

	result, err := r.db.Pool.Exec(ctx, query, cutoff, now, includeExpired)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// ListBlocked returns records with a block ending after now, soonest first
func (r *LoginAttemptRepository) ListBlocked(ctx context.Context, now time.Time) ([]*models.AttemptRecord, error) {
	query := `SELECT ` + attemptColumns + ` FROM login_attempts
		WHERE blocked_until > $1
		ORDER BY blocked_until ASC`

	rows, err := r.db.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	var records []*models.AttemptRecord
	for rows.Next() {
		rec, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteAll removes every record
func (r *LoginAttemptRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM login_attempts`)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

// Ping checks the database connection
func (r *LoginAttemptRepository) Ping(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

func insertAttempt(ctx context.Context, tx pgx.Tx, rec *models.AttemptRecord) (bool, error) {
	query := `
		INSERT INTO login_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identifier, identifier_type) DO NOTHING
	`

	tag, err := tx.Exec(ctx, query,
		rec.ID,
		rec.Identifier,
		rec.Type.String(),
		int64(rec.FailedAttempts),
		int64(rec.ConsecutiveFailures),
		rec.BlockedUntil,
		rec.LastAttempt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func updateAttempt(ctx context.Context, tx pgx.Tx, rec *models.AttemptRecord) error {
	query := `
		UPDATE login_attempts
		SET failed_attempts = $2, consecutive_failures = $3, blocked_until = $4,
		    last_attempt = $5, updated_at = $6
		WHERE id = $1
	`

	_, err := tx.Exec(ctx, query,
		rec.ID,
		int64(rec.FailedAttempts),
		int64(rec.ConsecutiveFailures),
		rec.BlockedUntil,
		rec.LastAttempt,
		rec.UpdatedAt,
	)
	return err
}

func scanAttempt(row pgx.Row) (*models.AttemptRecord, error) {
	var (
		rec     models.AttemptRecord
		typ     string
		failed  int32
		consec  int32
		blocked *time.Time
	)

	err := row.Scan(
		&rec.ID,
		&rec.Identifier,
		&typ,
		&failed,
		&consec,
		&blocked,
		&rec.LastAttempt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Type, err = models.ParseIdentifierType(typ)
	if err != nil {
		return nil, err
	}
	rec.FailedAttempts = uint(failed)
	rec.ConsecutiveFailures = uint(consec)
	rec.BlockedUntil = blocked
	return &rec, nil
}
