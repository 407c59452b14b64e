package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRetryable marks transaction failures that succeed when rerun as a whole
var ErrRetryable = errors.New("transaction should be retried")

// unavailableCodes are server errors that mean the database cannot serve requests right now
var unavailableCodes = map[string]bool{
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"57014": true, // query_canceled (statement_timeout)
}

// MapPostgresError translates pgx errors into model errors. Connection failures and
// timeouts become models.ErrStoreUnavailable; serialization failures and deadlocks
// become ErrRetryable. Anything else is returned unchanged.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return models.ErrConflict
		case pgErr.Code == "23503", pgErr.Code == "23502", pgErr.Code == "23514": // foreign_key, not_null, check
			return models.ErrBadRequest
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		case strings.HasPrefix(pgErr.Code, "08"), unavailableCodes[pgErr.Code]: // connection_exception class
			return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
		}
		return err
	}

	if isConnectionFailure(err) {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}
	return err
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// WithTransaction runs fn in a transaction, committing on success and rolling back on error or panic
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	err = fn(tx)
	return err
}
