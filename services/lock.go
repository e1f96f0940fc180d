package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"league-rankings/models"
	"league-rankings/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const LockKey = "locks/rankings.lock"

var (
	ErrLockBusy = errors.New("rankings lock is busy")
	// ErrLeaseExpired is informational: the lock was already gone, expired or
	// taken over when it was released. Nothing needs undoing.
	ErrLeaseExpired = errors.New("lease expired before release")
)

type LockOptions struct {
	Key            string
	Lease          time.Duration // lifetime of a grant
	Timeout        time.Duration // total time Acquire may wait
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ReleaseTimeout time.Duration
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Key == "" {
		o.Key = LockKey
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Second
	}
	if o.ReleaseTimeout <= 0 {
		o.ReleaseTimeout = 10 * time.Second
	}
	return o
}

// Lease is a granted lock.
type Lease struct {
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Reclaimed  bool // an expired holder was evicted to get this lease
}

func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Lock is a lease-based mutex kept as a single object in a KVStore.
// State machine: Free -> Held(token, expiry) -> Free, on release or expiry.
type Lock struct {
	store  storage.KVStore
	opts   LockOptions
	log    *zap.Logger
	holder string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewLock(store storage.KVStore, opts LockOptions, log *zap.Logger) *Lock {
	host, _ := os.Hostname()
	return &Lock{
		store:  store,
		opts:   opts.withDefaults(),
		log:    log.Named("lock"),
		holder: fmt.Sprintf("%s:%d", host, os.Getpid()),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire retries with bounded exponential backoff until the configured
// timeout, then returns ErrLockBusy. Store failures are returned as-is.
func (l *Lock) Acquire(ctx context.Context) (*Lease, error) {
	deadline := l.now().Add(l.opts.Timeout)
	delay := l.opts.BaseDelay
	reclaimed := false

	for attempt := 1; ; attempt++ {
		lease, retryNow, err := l.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			lease.Reclaimed = reclaimed
			l.log.Debug("acquired",
				zap.String("token", lease.Token),
				zap.Int("attempt", attempt),
				zap.Time("expires_at", lease.ExpiresAt))
			return lease, nil
		}
		if retryNow {
			reclaimed = true
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return nil, ErrLockBusy
		}
		if retryNow {
			continue
		}

		wait := delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
		if wait > remaining {
			wait = remaining
		}
		if err := l.sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay = min(delay*2, l.opts.MaxDelay)
	}
}

// tryAcquire makes one create attempt. retryNow is set when an expired or
// unreadable holder was just evicted and the create should be repeated at once.
func (l *Lock) tryAcquire(ctx context.Context) (*Lease, bool, error) {
	now := l.now().UTC()
	rec := models.LockRecord{
		HolderToken: uuid.NewString(),
		Holder:      l.holder,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(l.opts.Lease),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}

	created, err := l.store.CreateIfAbsent(ctx, l.opts.Key, data)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}
	if created {
		return &Lease{Token: rec.HolderToken, AcquiredAt: rec.AcquiredAt, ExpiresAt: rec.ExpiresAt}, false, nil
	}

	obj, err := l.store.Get(ctx, l.opts.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil // released between our create and read
		}
		return nil, false, fmt.Errorf("read lock: %w", err)
	}

	var current models.LockRecord
	if err := json.Unmarshal(obj.Data, &current); err != nil {
		l.log.Warn("unreadable lock record, reclaiming", zap.Error(err))
	} else if !current.IsExpired(l.now()) {
		return nil, false, nil
	} else {
		l.log.Info("reclaiming expired lock",
			zap.String("stale_holder", current.Holder),
			zap.Time("expired_at", current.ExpiresAt))
	}

	if _, err := l.store.Delete(ctx, l.opts.Key, obj.Version); err != nil {
		return nil, false, fmt.Errorf("reclaim lock: %w", err)
	}
	return nil, true, nil
}

// Release deletes the lock only if it still carries lease's token. It runs on
// a context detached from ctx's cancellation so a cancelled caller still frees
// the lock.
func (l *Lock) Release(ctx context.Context, lease *Lease) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.ReleaseTimeout)
	defer cancel()

	obj, err := l.store.Get(ctx, l.opts.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrLeaseExpired
		}
		return fmt.Errorf("read lock: %w", err)
	}
	var current models.LockRecord
	if err := json.Unmarshal(obj.Data, &current); err != nil || current.HolderToken != lease.Token {
		l.log.Info("lock was taken over, leaving it in place", zap.String("token", lease.Token))
		return ErrLeaseExpired
	}

	if _, err := l.store.Delete(ctx, l.opts.Key, obj.Version); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if lease.Expired(l.now()) {
		return ErrLeaseExpired
	}
	return nil
}
