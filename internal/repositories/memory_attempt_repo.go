package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/google/uuid"
)

type attemptKey struct {
	identifier string
	typ        models.IdentifierType
}

// MemoryAttemptRepository keeps attempt records in process memory.
// Suitable for single-instance deployments and tests; state is lost on restart.
type MemoryAttemptRepository struct {
	mu      sync.Mutex
	records map[attemptKey]*models.AttemptRecord
}

// NewMemoryAttemptRepository creates an empty in-memory store
func NewMemoryAttemptRepository() *MemoryAttemptRepository {
	return &MemoryAttemptRepository{records: make(map[attemptKey]*models.AttemptRecord)}
}

func (r *MemoryAttemptRepository) Get(ctx context.Context, identifier string, typ models.IdentifierType) (*models.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[attemptKey{identifier, typ}]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update runs fn under the store lock, so concurrent updates of one key are serialized
func (r *MemoryAttemptRepository) Update(ctx context.Context, identifier string, typ models.IdentifierType, fn services.UpdateFunc) (*models.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := attemptKey{identifier, typ}
	prior := r.records[key]

	next, err := fn(prior.Clone())
	if err != nil {
		return nil, err
	}

	if prior == nil {
		next.ID = uuid.New().String()
	} else {
		next.ID = prior.ID
		next.CreatedAt = prior.CreatedAt
	}
	next.Identifier = identifier
	next.Type = typ

	r.records[key] = next.Clone()
	return next, nil
}

func (r *MemoryAttemptRepository) Reset(ctx context.Context, identifier string, typ models.IdentifierType, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[attemptKey{identifier, typ}]
	if !ok {
		return nil
	}
	rec.ConsecutiveFailures = 0
	rec.BlockedUntil = nil
	rec.LastAttempt = now
	rec.UpdatedAt = now
	return nil
}

// DeleteStale checks and deletes under one lock so a record blocked concurrently is never removed
func (r *MemoryAttemptRepository) DeleteStale(ctx context.Context, cutoff, now time.Time, includeExpired bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for key, rec := range r.records {
		if staleAndUnblocked(rec, cutoff, now, includeExpired) {
			delete(r.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemoryAttemptRepository) ListBlocked(ctx context.Context, now time.Time) ([]*models.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var blocked []*models.AttemptRecord
	for _, rec := range r.records {
		if rec.IsBlockedAt(now) {
			blocked = append(blocked, rec.Clone())
		}
	}
	sortByBlockedUntil(blocked)
	return blocked, nil
}

func (r *MemoryAttemptRepository) DeleteAll(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := int64(len(r.records))
	r.records = make(map[attemptKey]*models.AttemptRecord)
	return n, nil
}

func (r *MemoryAttemptRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// staleAndUnblocked is the cleanup predicate shared by the in-process stores
func staleAndUnblocked(rec *models.AttemptRecord, cutoff, now time.Time, includeExpired bool) bool {
	if !rec.LastAttempt.Before(cutoff) {
		return false
	}
	if rec.BlockedUntil == nil {
		return true
	}
	return includeExpired && !rec.BlockedUntil.After(now)
}

func sortByBlockedUntil(records []*models.AttemptRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].BlockedUntil.Before(*records[j].BlockedUntil)
	})
}
