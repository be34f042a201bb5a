// Package dedupe collapses concurrent identical requests into one upstream call.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Deduplicator shares one in-flight execution per key among all callers.
// The record for a key is removed as soon as the execution resolves, so a
// later call starts a fresh execution.
type Deduplicator struct {
	group singleflight.Group

	mu      sync.Mutex
	waiters map[string]int

	executions atomic.Int64
	shared     atomic.Int64
}

// New creates an empty Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{waiters: make(map[string]int)}
}

// Do runs fn for key unless an execution for key is already in flight, in
// which case it waits for that execution and returns its value or error.
//
// The shared execution does not inherit the first caller's cancellation;
// every caller, including the first, stops waiting when its own ctx is done.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (any, error) {
		d.executions.Add(1)
		return fn(detached)
	})

	// Counted after joining, so Waiters never reports a caller that could
	// still start its own execution.
	d.mu.Lock()
	d.waiters[key]++
	d.mu.Unlock()
	defer d.release(key)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			d.shared.Add(1)
		}
		return res.Val, res.Err
	}
}

func (d *Deduplicator) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waiters[key] <= 1 {
		delete(d.waiters, key)
		return
	}
	d.waiters[key]--
}

// Forget drops the in-flight record for key so the next call starts a new
// execution. Current waiters still receive the old result.
func (d *Deduplicator) Forget(key string) {
	d.group.Forget(key)
}

// InFlight returns the number of keys with at least one waiting caller.
func (d *Deduplicator) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// Waiters returns how many callers are waiting on key.
func (d *Deduplicator) Waiters(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiters[key]
}

// Stats reports executions started and results delivered to more than one caller.
type Stats struct {
	Executions    int64 `json:"executions"`
	SharedResults int64 `json:"sharedResults"`
	InFlight      int   `json:"inFlight"`
}

// Stats returns the current counters.
func (d *Deduplicator) Stats() Stats {
	return Stats{
		Executions:    d.executions.Load(),
		SharedResults: d.shared.Load(),
		InFlight:      d.InFlight(),
	}
}
