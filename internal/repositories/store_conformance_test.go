package repositories_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// put writes a record with the given counters through Update
func put(t *testing.T, store services.AttemptStore, identifier string, typ models.IdentifierType, consecutive uint, last time.Time, blockedUntil *time.Time) *models.AttemptRecord {
	t.Helper()
	rec, err := store.Update(context.Background(), identifier, typ, func(prior *models.AttemptRecord) (*models.AttemptRecord, error) {
		next := prior
		if next == nil {
			next = &models.AttemptRecord{CreatedAt: last}
		}
		next.FailedAttempts += consecutive
		next.ConsecutiveFailures = consecutive
		next.BlockedUntil = blockedUntil
		next.LastAttempt = last
		next.UpdatedAt = last
		return next, nil
	})
	require.NoError(t, err)
	return rec
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// runStoreConformance exercises the AttemptStore contract against one implementation
func runStoreConformance(t *testing.T, newStore func(t *testing.T) services.AttemptStore) {
	ctx := context.Background()

	t.Run("get missing record", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(ctx, "10.0.0.1", models.IdentifierIP)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("update creates then modifies", func(t *testing.T) {
		store := newStore(t)

		var sawNil bool
		created, err := store.Update(ctx, "10.0.0.1", models.IdentifierIP, func(prior *models.AttemptRecord) (*models.AttemptRecord, error) {
			sawNil = prior == nil
			return &models.AttemptRecord{
				FailedAttempts:      1,
				ConsecutiveFailures: 1,
				LastAttempt:         storeEpoch,
				CreatedAt:           storeEpoch,
				UpdatedAt:           storeEpoch,
			}, nil
		})
		require.NoError(t, err)
		assert.True(t, sawNil)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "10.0.0.1", created.Identifier)
		assert.Equal(t, models.IdentifierIP, created.Type)

		later := storeEpoch.Add(time.Minute)
		updated := put(t, store, "10.0.0.1", models.IdentifierIP, 2, later, timePtr(later.Add(time.Hour)))
		assert.Equal(t, created.ID, updated.ID)
		assert.True(t, storeEpoch.Equal(updated.CreatedAt))

		got, err := store.Get(ctx, "10.0.0.1", models.IdentifierIP)
		require.NoError(t, err)
		assert.Equal(t, uint(3), got.FailedAttempts)
		assert.Equal(t, uint(2), got.ConsecutiveFailures)
		require.NotNil(t, got.BlockedUntil)
		assert.True(t, later.Add(time.Hour).Equal(*got.BlockedUntil))
		assert.True(t, later.Equal(got.LastAttempt))
	})

	t.Run("update error leaves store untouched", func(t *testing.T) {
		store := newStore(t)
		boom := errors.New("policy rejected")

		_, err := store.Update(ctx, "a@example.com", models.IdentifierEmail, func(*models.AttemptRecord) (*models.AttemptRecord, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.Get(ctx, "a@example.com", models.IdentifierEmail)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("types are separate keys", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "shared", models.IdentifierIP, 1, storeEpoch, nil)

		_, err := store.Get(ctx, "shared", models.IdentifierEmail)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("reset clears streak and block", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "10.0.0.2", models.IdentifierIP, 5, storeEpoch, timePtr(storeEpoch.Add(time.Hour)))

		resetAt := storeEpoch.Add(time.Minute)
		require.NoError(t, store.Reset(ctx, "10.0.0.2", models.IdentifierIP, resetAt))

		got, err := store.Get(ctx, "10.0.0.2", models.IdentifierIP)
		require.NoError(t, err)
		assert.Equal(t, uint(0), got.ConsecutiveFailures)
		assert.Equal(t, uint(5), got.FailedAttempts)
		assert.Nil(t, got.BlockedUntil)
		assert.True(t, resetAt.Equal(got.LastAttempt))
	})

	t.Run("reset of absent record is a no-op", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Reset(ctx, "10.0.0.3", models.IdentifierIP, storeEpoch))

		_, err := store.Get(ctx, "10.0.0.3", models.IdentifierIP)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("delete stale honours blocks", func(t *testing.T) {
		store := newStore(t)
		now := storeEpoch.Add(40 * 24 * time.Hour)
		cutoff := now.Add(-30 * 24 * time.Hour)

		put(t, store, "10.0.1.1", models.IdentifierIP, 1, storeEpoch, nil)                                 // stale, unblocked
		put(t, store, "10.0.1.2", models.IdentifierIP, 8, storeEpoch, timePtr(now.Add(time.Hour)))          // stale, active block
		put(t, store, "10.0.1.3", models.IdentifierIP, 3, storeEpoch, timePtr(storeEpoch.Add(time.Minute))) // stale, expired block
		put(t, store, "10.0.1.4", models.IdentifierIP, 1, now.Add(-time.Hour), nil)                        // recent

		deleted, err := store.DeleteStale(ctx, cutoff, now, false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		deleted, err = store.DeleteStale(ctx, cutoff, now, true)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		for ip, wantPresent := range map[string]bool{
			"10.0.1.1": false,
			"10.0.1.2": true,
			"10.0.1.3": false,
			"10.0.1.4": true,
		} {
			_, err := store.Get(ctx, ip, models.IdentifierIP)
			if wantPresent {
				assert.NoError(t, err, ip)
			} else {
				assert.ErrorIs(t, err, models.ErrNotFound, ip)
			}
		}
	})

	t.Run("list blocked sorted by expiry", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "late@example.com", models.IdentifierEmail, 8, storeEpoch, timePtr(storeEpoch.Add(24*time.Hour)))
		put(t, store, "10.0.2.1", models.IdentifierIP, 3, storeEpoch, timePtr(storeEpoch.Add(15*time.Minute)))
		put(t, store, "10.0.2.2", models.IdentifierIP, 3, storeEpoch, timePtr(storeEpoch.Add(-time.Minute)))
		put(t, store, "10.0.2.3", models.IdentifierIP, 1, storeEpoch, nil)

		blocked, err := store.ListBlocked(ctx, storeEpoch)
		require.NoError(t, err)
		require.Len(t, blocked, 2)
		assert.Equal(t, "10.0.2.1", blocked[0].Identifier)
		assert.Equal(t, "late@example.com", blocked[1].Identifier)
		assert.Equal(t, models.IdentifierEmail, blocked[1].Type)
	})

	t.Run("delete all", func(t *testing.T) {
		store := newStore(t)
		put(t, store, "10.0.3.1", models.IdentifierIP, 1, storeEpoch, nil)
		put(t, store, "c@example.com", models.IdentifierEmail, 1, storeEpoch, nil)

		deleted, err := store.DeleteAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		_, err = store.Get(ctx, "10.0.3.1", models.IdentifierIP)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("concurrent updates serialize", func(t *testing.T) {
		store := newStore(t)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Update(ctx, "10.0.4.1", models.IdentifierIP, func(prior *models.AttemptRecord) (*models.AttemptRecord, error) {
					next := prior
					if next == nil {
						next = &models.AttemptRecord{CreatedAt: storeEpoch}
					}
					next.FailedAttempts++
					next.ConsecutiveFailures++
					next.LastAttempt = storeEpoch
					next.UpdatedAt = storeEpoch
					return next, nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.Get(ctx, "10.0.4.1", models.IdentifierIP)
		require.NoError(t, err)
		assert.Equal(t, uint(20), got.ConsecutiveFailures)
		assert.Equal(t, uint(20), got.FailedAttempts)
	})

	t.Run("ping", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Ping(ctx))
	})
}
