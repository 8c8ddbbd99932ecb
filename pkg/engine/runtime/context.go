package runtime

import (
	"context"
	"sync"
	"time"
)

type runIDKey struct{}

// WithRunID attaches the run identifier so transports can propagate it.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run identifier carried by ctx, if any.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

type remoteElapsedKey struct{}

type remoteElapsedSlot struct {
	mu sync.Mutex
	d  time.Duration
}

// WithRemoteElapsedSlot returns a context in which transports can report the
// processing time measured on the far side of a stage call.
func WithRemoteElapsedSlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, remoteElapsedKey{}, &remoteElapsedSlot{})
}

// ReportRemoteElapsed stores a far-side duration, if the context carries a slot.
func ReportRemoteElapsed(ctx context.Context, d time.Duration) {
	if slot, ok := ctx.Value(remoteElapsedKey{}).(*remoteElapsedSlot); ok {
		slot.mu.Lock()
		slot.d = d
		slot.mu.Unlock()
	}
}

// RemoteElapsed reads the duration reported through the context slot.
func RemoteElapsed(ctx context.Context) (time.Duration, bool) {
	slot, ok := ctx.Value(remoteElapsedKey{}).(*remoteElapsedSlot)
	if !ok {
		return 0, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.d <= 0 {
		return 0, false
	}
	return slot.d, true
}
