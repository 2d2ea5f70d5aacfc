package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/picteus/picteus/internal/manifest"
)

// throttleKey scopes a sliding window to one event of one extension.
type throttleKey struct {
	extensionID string
	event       string
}

// window is an ack-gated sliding-window limiter: at most max deliveries may
// be in flight at once, and a slot frees only when both the acknowledgment
// has arrived and durationMs has elapsed since the delivery.
type window struct {
	duration time.Duration
	max      int

	mu      sync.Mutex
	active  int
	waiters []chan struct{}
}

func (w *window) acquire(ctx context.Context) (func(), error) {
	w.mu.Lock()
	for w.active >= w.max {
		wait := make(chan struct{})
		w.waiters = append(w.waiters, wait)
		w.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			w.mu.Lock()
			for i, c := range w.waiters {
				if c == wait {
					w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
					break
				}
			}
			w.mu.Unlock()
			return nil, ctx.Err()
		}
		w.mu.Lock()
	}
	w.active++
	w.mu.Unlock()

	started := time.Now()
	var once sync.Once
	release := func() {
		once.Do(func() {
			if remaining := w.duration - time.Since(started); remaining > 0 {
				time.AfterFunc(remaining, w.free)
			} else {
				w.free()
			}
		})
	}
	return release, nil
}

// free returns a slot and wakes the oldest waiter.
func (w *window) free() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active--
	if len(w.waiters) > 0 {
		close(w.waiters[0])
		w.waiters = w.waiters[1:]
	}
}

// Throttler enforces manifest throttling policies per (extensionId, event).
type Throttler struct {
	mu      sync.Mutex
	windows map[throttleKey]*window
}

func NewThrottler() *Throttler {
	return &Throttler{windows: make(map[throttleKey]*window)}
}

// Acquire blocks until a delivery slot for (extensionId, event) is free
// under the given policies and returns the release handle. With no
// matching policy the delivery is unthrottled and release is a no-op.
// Release must be called exactly once, after the acknowledgment arrives
// or the delivery is abandoned.
func (t *Throttler) Acquire(ctx context.Context, extensionID, event string, policies []manifest.ThrottlingPolicy) (func(), error) {
	if len(policies) == 0 {
		return func() {}, nil
	}

	// Multiple policies can match one event; the strictest bound wins.
	strictest := policies[0]
	for _, p := range policies[1:] {
		if p.MaximumCount < strictest.MaximumCount ||
			(p.MaximumCount == strictest.MaximumCount && p.DurationMs > strictest.DurationMs) {
			strictest = p
		}
	}

	key := throttleKey{extensionID: extensionID, event: event}
	t.mu.Lock()
	w := t.windows[key]
	if w == nil {
		w = &window{
			duration: time.Duration(strictest.DurationMs) * time.Millisecond,
			max:      strictest.MaximumCount,
		}
		t.windows[key] = w
	}
	t.mu.Unlock()

	return w.acquire(ctx)
}

// Forget drops the windows of an extension, typically on uninstall.
func (t *Throttler) Forget(extensionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.windows {
		if key.extensionID == extensionID {
			delete(t.windows, key)
		}
	}
}
