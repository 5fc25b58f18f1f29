// Package guard provides the duplicate-prevention and row-locking
// primitives every mutating engine operation is built on: an atomic
// insert-if-absent claim against a uniqueness domain, and per-key
// exclusive locks for read-modify-write sequences.
package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// bounded wait. Callers may retry.
var ErrLockTimeout = errors.New("lock wait timeout")

// DefaultLockTimeout bounds how long WithLock waits for a contended key.
const DefaultLockTimeout = 5 * time.Second

// Locks serializes read-modify-write sequences per key. Keys for
// unrelated entities never block each other; there is no global lock.
type Locks struct {
	Timeout time.Duration

	mu   sync.Mutex
	sems map[string]chan struct{}
}

func (l *Locks) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sems == nil {
		l.sems = make(map[string]chan struct{})
	}
	ch, ok := l.sems[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.sems[key] = ch
	}
	return ch
}

// WithLock runs fn while holding the exclusive lock for key. A lock that
// cannot be acquired within the timeout fails with ErrLockTimeout.
func (l *Locks) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	ch := l.sem(key)
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	defer func() { <-ch }()
	return fn(ctx)
}

// BatchKey is the lock key for one batch.
func BatchKey(batchID int64) string {
	return fmt.Sprintf("batch:%d", batchID)
}

// TenantKey is the lock key for tenant-scoped sequences.
func TenantKey(tenantID string) string {
	return "tenant:" + tenantID
}

// Claim is the outcome of TryClaim. A lost claim is not an error: exactly
// one caller wins and everyone else learns who did.
type Claim struct {
	Claimed   bool
	Owner     string
	ClaimedAt string
}

// Claimer performs atomic insert-if-absent reservations against the
// claims table. The (domain, key) primary key is what makes N racing
// callers resolve to exactly one winner.
type Claimer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (c Claimer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Claimer) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return c.DB.ExecContext(ctx, query, args...)
}

func (c Claimer) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	if tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return c.DB.QueryRowContext(ctx, query, args...)
}

// TryClaim reserves (domain, key) for owner. When the key is already
// claimed, the existing owner is returned with Claimed=false.
func (c Claimer) TryClaim(ctx context.Context, tx *sql.Tx, domain, key, owner string) (Claim, error) {
	if domain == "" || key == "" {
		return Claim{}, errors.New("claim domain and key required")
	}
	if owner == "" {
		return Claim{}, errors.New("claim owner required")
	}
	ts := c.now().UTC().Format(time.RFC3339)
	res, err := c.exec(ctx, tx, `INSERT INTO claims(domain,key,owner,claimed_at) VALUES (?,?,?,?)
ON CONFLICT(domain,key) DO NOTHING`, domain, key, owner, ts)
	if err != nil {
		return Claim{}, fmt.Errorf("try claim %s/%s: %w", domain, key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return Claim{Claimed: true, Owner: owner, ClaimedAt: ts}, nil
	}
	var existing Claim
	row := c.queryRow(ctx, tx, `SELECT owner, claimed_at FROM claims WHERE domain=? AND key=?`, domain, key)
	if err := row.Scan(&existing.Owner, &existing.ClaimedAt); err != nil {
		return Claim{}, fmt.Errorf("read existing claim %s/%s: %w", domain, key, err)
	}
	return existing, nil
}

// Release frees (domain, key) so it can be claimed again. Used when an
// evaluation is deactivated and its (batch, subject) slot reopens.
func (c Claimer) Release(ctx context.Context, tx *sql.Tx, domain, key string) error {
	_, err := c.exec(ctx, tx, `DELETE FROM claims WHERE domain=? AND key=?`, domain, key)
	return err
}
