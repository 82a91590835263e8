// Copyright 2024-2026 Aiku AI

package bridge

import "sync"

// ChannelLocker serializes relay operations per channel key. Operations for
// the same key run strictly in the order they were queued; operations for
// different keys run concurrently.
type ChannelLocker struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

// NewChannelLocker creates an empty ChannelLocker.
func NewChannelLocker() *ChannelLocker {
	return &ChannelLocker{pending: make(map[string]chan struct{})}
}

// Queue registers fn behind whatever operation is currently pending for key
// and runs it on a new goroutine once that operation has finished. The
// read-and-replace of the pending handle happens under a real mutex, so
// concurrent callers can never both chain onto the same predecessor and run
// at once. Admission order is the order of Queue calls, which is why callers
// invoke Queue synchronously from their gateway read loop.
//
// The returned channel closes when fn has finished. It closes regardless of
// whether fn succeeded, so one failed relay never stalls its channel.
func (l *ChannelLocker) Queue(key string, fn func()) <-chan struct{} {
	done := make(chan struct{})

	l.mu.Lock()
	prev := l.pending[key]
	l.pending[key] = done
	l.mu.Unlock()

	go func() {
		defer func() {
			close(done)
			l.mu.Lock()
			// Only remove the handle if no later operation replaced it,
			// keeping the map bounded by the number of busy channels.
			if l.pending[key] == done {
				delete(l.pending, key)
			}
			l.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		fn()
	}()

	return done
}
