package migration

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Locker provides cross-instance mutual exclusion for a named migration.
// Acquire returns ok=false when the lock is held elsewhere and could not be
// obtained within wait; release must always be called when ok is true.
type Locker interface {
	Acquire(ctx context.Context, name string, wait time.Duration) (release func(), ok bool, err error)
}

const lockRetryInterval = 500 * time.Millisecond

// AdvisoryLocker implements Locker with Postgres session advisory locks on
// the target database. The lock is bound to a dedicated session, so a crashed
// holder releases it when its connection dies.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// lockKey hashes a migration name into the 64-bit advisory lock space.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func (l *AdvisoryLocker) Acquire(ctx context.Context, name string, wait time.Duration) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("open lock session: %w", err)
	}
	key := lockKey(name)
	deadline := time.Now().Add(wait)

	for {
		var got bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			_ = conn.Close()
			return nil, false, fmt.Errorf("try advisory lock: %w", err)
		}
		if got {
			release := func() {
				_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
				_ = conn.Close()
			}
			return release, true, nil
		}
		if time.Now().After(deadline) {
			_ = conn.Close()
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, false, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// LocalLocker implements Locker with process-local mutual exclusion, for
// single-node deployments without a shared Postgres target.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(ctx context.Context, name string, wait time.Duration) (func(), bool, error) {
	deadline := time.Now().Add(wait)
	for {
		l.mu.Lock()
		if !l.held[name] {
			l.held[name] = true
			l.mu.Unlock()
			release := func() {
				l.mu.Lock()
				delete(l.held, name)
				l.mu.Unlock()
			}
			return release, true, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
