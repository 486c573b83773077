package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"keygate.app/cloud/storage"
)

// DayNanos is one day in nanoseconds.
const DayNanos uint64 = 24 * 60 * 60 * 1_000_000_000

var (
	ErrUnauthorized       = errors.New("unauthorized: only the administrator can grant licenses")
	ErrAlreadyInitialized = errors.New("ledger already initialized")
	ErrNotInitialized     = errors.New("ledger not initialized")
)

// Clock returns the current time as nanoseconds since the Unix epoch.
// The caller of each operation supplies time through this hook, which keeps
// the ledger deterministic under test.
type Clock func() uint64

func SystemClock() uint64 {
	return uint64(time.Now().UnixNano())
}

// Ledger maps opaque identity strings to license expiry instants. A single
// administrator, fixed at initialization, is the only identity allowed to
// grant. Entries are never deleted and expiries only ever move forward.
type Ledger struct {
	store storage.Store
	admin string
	clock Clock
	mu    sync.Mutex
}

// Initialize creates a new ledger on an empty store. It persists the
// administrator and fails with ErrAlreadyInitialized if the store already
// holds one, so a deployment can only construct the ledger once.
func Initialize(ctx context.Context, store storage.Store, admin string) (*Ledger, error) {
	if admin == "" {
		return nil, errors.New("administrator identity required")
	}

	if err := store.SetAdmin(ctx, admin); err != nil {
		if errors.Is(err, storage.ErrAdminSet) {
			return nil, ErrAlreadyInitialized
		}
		return nil, fmt.Errorf("persist administrator: %w", err)
	}

	return &Ledger{store: store, admin: admin, clock: SystemClock}, nil
}

// Open reattaches to an already-initialized ledger, restoring the persisted
// administrator.
func Open(ctx context.Context, store storage.Store) (*Ledger, error) {
	admin, err := store.Admin(ctx)
	if err != nil {
		return nil, fmt.Errorf("read administrator: %w", err)
	}
	if admin == "" {
		return nil, ErrNotInitialized
	}

	return &Ledger{store: store, admin: admin, clock: SystemClock}, nil
}

func (l *Ledger) Admin() string {
	return l.admin
}

// SetClock replaces the time source. Intended for tests.
func (l *Ledger) SetClock(clock Clock) {
	l.clock = clock
}

// Grant extends the license for identity by durationDays and returns the new
// expiry. An active license is extended from its current expiry, so remaining
// time is never lost; an absent or expired license starts counting from now.
// Only the administrator may call this; anyone else gets ErrUnauthorized and
// no state changes.
func (l *Ledger) Grant(ctx context.Context, caller, identity string, durationDays uint32) (uint64, error) {
	if caller != l.admin {
		return 0, ErrUnauthorized
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()

	base := now
	expiry, found, err := l.store.GetExpiry(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("read expiry for %q: %w", identity, err)
	}
	if found && expiry > now {
		base = expiry
	}

	newExpiry := base + uint64(durationDays)*DayNanos
	if err := l.store.PutExpiry(ctx, identity, newExpiry); err != nil {
		return 0, fmt.Errorf("write expiry for %q: %w", identity, err)
	}

	return newExpiry, nil
}

// IsLicensed reports whether identity holds a license whose expiry is
// strictly in the future. An expiry equal to the current instant counts as
// expired.
func (l *Ledger) IsLicensed(ctx context.Context, identity string) (bool, error) {
	expiry, found, err := l.store.GetExpiry(ctx, identity)
	if err != nil {
		return false, fmt.Errorf("read expiry for %q: %w", identity, err)
	}
	return found && expiry > l.clock(), nil
}

// GetExpiry returns the raw stored expiry for identity, even when it lies in
// the past. The second return value distinguishes "never granted" from
// "granted but expired".
func (l *Ledger) GetExpiry(ctx context.Context, identity string) (uint64, bool, error) {
	return l.store.GetExpiry(ctx, identity)
}
