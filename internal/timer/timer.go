// Package timer provides the shared keep-alive deadline facility: one
// second-granular wheel serving every connection in the process. A
// registration is keyed by (deadline, target); re-registering replaces the
// previous deadline atomically, and unregistering is idempotent.
package timer

import (
	"sync"
	"time"
)

// Expirable is notified when its registered deadline elapses.
type Expirable interface {
	KeepAliveExpired()
}

// Timer tracks keep-alive deadlines at whole-second resolution.
type Timer struct {
	mu      sync.Mutex
	buckets map[int64]map[Expirable]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a running Timer ticking once per second.
func New() *Timer {
	t := &Timer{
		buckets: make(map[int64]map[Expirable]struct{}),
		stopCh:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.tickLoop()
	return t
}

// Now returns the current time at the wheel's resolution. Callers compare
// successive values to avoid re-registering within the same second.
func (t *Timer) Now() time.Time {
	return time.Now().Truncate(time.Second)
}

// Register replaces the previous deadline for target with a new one. At
// most one registration per target is active at a time.
func (t *Timer) Register(deadline, previous time.Time, target Expirable) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeLocked(previous.Unix(), target)

	sec := deadline.Unix()
	bucket, ok := t.buckets[sec]
	if !ok {
		bucket = make(map[Expirable]struct{})
		t.buckets[sec] = bucket
	}
	bucket[target] = struct{}{}
}

// Unregister removes target's deadline. Calling it twice, or for a
// deadline that already fired, is a no-op.
func (t *Timer) Unregister(deadline time.Time, target Expirable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(deadline.Unix(), target)
}

// Pending returns the number of registered deadlines.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}

// Close stops the tick loop. Registered deadlines never fire afterwards.
func (t *Timer) Close() {
	close(t.stopCh)
	t.wg.Wait()
}

func (t *Timer) removeLocked(sec int64, target Expirable) {
	if bucket, ok := t.buckets[sec]; ok {
		delete(bucket, target)
		if len(bucket) == 0 {
			delete(t.buckets, sec)
		}
	}
}

func (t *Timer) tickLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.fire(now)
		case <-t.stopCh:
			return
		}
	}
}

// fire notifies every target whose deadline is at or before now.
func (t *Timer) fire(now time.Time) {
	var expired []Expirable

	t.mu.Lock()
	cutoff := now.Unix()
	for sec, bucket := range t.buckets {
		if sec > cutoff {
			continue
		}
		for target := range bucket {
			expired = append(expired, target)
		}
		delete(t.buckets, sec)
	}
	t.mu.Unlock()

	// notify outside the lock: targets wake dispatcher tasks
	for _, target := range expired {
		target.KeepAliveExpired()
	}
}
