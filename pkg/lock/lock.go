// Package lock provides a distributed mutex, backed by etcd, used to
// ensure only one Lifecycle Scheduler replica runs a given sweep in a
// given window. It is the cross-process analogue of the in-process
// advisory lock the Settlement Coordinator keys on invoice id.
package lock

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Locker acquires named distributed locks with a bounded lease.
type Locker struct {
	client    *clientv3.Client
	leaseTTLS int
}

// Config configures the etcd client backing the Locker.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	LeaseTTLS   int
}

// New dials etcd and returns a ready Locker.
func New(cfg Config) (*Locker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing etcd: %w", err)
	}

	ttl := cfg.LeaseTTLS
	if ttl <= 0 {
		ttl = 30
	}

	return &Locker{client: cli, leaseTTLS: ttl}, nil
}

// Held represents an acquired lock; callers must call Release when the
// protected job finishes.
type Held struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// TryAcquire attempts to acquire the named lock without blocking. It
// returns (nil, false, nil) if another replica already holds it — the
// caller should simply skip this run of the job, not retry in a loop.
func (l *Locker) TryAcquire(ctx context.Context, name string) (*Held, bool, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.leaseTTLS))
	if err != nil {
		return nil, false, fmt.Errorf("opening etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, "/invoicenet/scheduler/"+name)

	tryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		session.Close()
		if err == concurrency.ErrLocked {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}

	return &Held{session: session, mutex: mutex}, true, nil
}

// Release gives up the lock and closes its lease session.
func (h *Held) Release(ctx context.Context) error {
	if err := h.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return h.session.Close()
}

// Close shuts down the underlying etcd client.
func (l *Locker) Close() error {
	return l.client.Close()
}
