package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lock is a held named job lock. Exactly one holder exists per name at any
// instant; the holder id ties extend/release to the acquiring replica.
type Lock struct {
	Name   string
	Holder string
	store  *Store
}

// AcquireNamedLock attempts a CAS acquisition of the named lock for the
// given duration. Returns (nil, nil) when another replica holds it: lock
// contention is not an error.
func (s *Store) AcquireNamedLock(ctx context.Context, name string, d time.Duration) (*Lock, error) {
	holder := uuid.NewString()
	var acquired bool
	err := s.pool.QueryRow(ctx, `SELECT acquire_named_lock($1, $2, $3)`,
		name, time.Now().UTC().Add(d), holder).Scan(&acquired)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !acquired {
		return nil, nil
	}
	s.logger.Debug("lock acquired", "name", name, "holder", holder)
	return &Lock{Name: name, Holder: holder, store: s}, nil
}

// Extend pushes locked_until forward. A no-op when the lock was lost (e.g.
// expired and taken by another replica), which the caller learns from the
// returned flag.
func (l *Lock) Extend(ctx context.Context, d time.Duration) (bool, error) {
	tag, err := l.store.pool.Exec(ctx, `
UPDATE job_locks SET locked_until = $3
WHERE name = $1 AND holder = $2`,
		l.Name, l.Holder, time.Now().UTC().Add(d))
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", l.Name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release frees the lock immediately. Safe to call when the lock has
// already expired or been taken over.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.store.pool.Exec(ctx, `
UPDATE job_locks SET locked_until = NULL, holder = NULL
WHERE name = $1 AND holder = $2`, l.Name, l.Holder)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.Name, err)
	}
	return nil
}
