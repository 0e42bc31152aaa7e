// Package lifecycle tracks whether the relay is still accepting calls.
package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle flips once from serving to draining. Handlers consult it before
// admitting a call; /readyz reports it.
type Lifecycle struct {
	draining atomic.Bool
	once     sync.Once
	drainCh  chan struct{}
	initOnce sync.Once
}

func (l *Lifecycle) ensureInit() {
	l.initOnce.Do(func() { l.drainCh = make(chan struct{}) })
}

// BeginDrain reports true only for the call that started draining.
func (l *Lifecycle) BeginDrain() bool {
	if l == nil {
		return false
	}
	l.ensureInit()
	started := false
	l.once.Do(func() {
		l.draining.Store(true)
		close(l.drainCh)
		started = true
	})
	return started
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Draining is closed once BeginDrain has run.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.ensureInit()
	return l.drainCh
}
