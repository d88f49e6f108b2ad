// Package rwlock provides a reader/writer lock with bounded acquisition.
//
// The lock is in-process only. It coordinates threads of one process and is
// not a substitute for cross-process coordination; two processes sharing one
// on-disk root is unsupported.
package rwlock

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// The semaphore weight; a writer acquires all of it.
const maxReaders = 1 << 30

// Lock is a reader/writer lock whose acquisitions time out instead of
// blocking indefinitely.
//
// Readers acquire weight 1 and may run concurrently with each other; a
// writer acquires the full weight, so it blocks and is blocked by all
// outstanding readers. At most one writer is in flight at a time.
type Lock struct {
	sem          *semaphore.Weighted
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New constructs a Lock with the provided acquisition timeouts.
func New(readTimeout, writeTimeout time.Duration) *Lock {
	return &Lock{
		sem:          semaphore.NewWeighted(maxReaders),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// RLock acquires read access, waiting at most the configured read timeout.
// The returned function releases the acquisition and must be called exactly
// once.
func (l *Lock) RLock(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.readTimeout)
	defer cancel()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}

// Lock acquires write access, waiting at most the configured write timeout
// for all outstanding readers to release. The returned function releases
// the acquisition and must be called exactly once.
func (l *Lock) Lock(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()
	if err := l.sem.Acquire(ctx, maxReaders); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(maxReaders) }, nil
}
