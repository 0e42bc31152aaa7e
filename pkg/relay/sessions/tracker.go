// Package sessions tracks the calls that are live in this process so HTTP
// endpoints can reach them and shutdown can end them.
package sessions

import (
	"context"
	"sync"
)

// Session is the part of a live call reachable from outside its own
// goroutines.
type Session interface {
	Cancel()
	SendWarning(code, message string) error
	Transcript() string
	SetImage(payload string) error
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	seq      uint64
	wg       sync.WaitGroup
	closed   bool
}

type trackedSession struct {
	session Session
	seq     uint64
	once    sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a live call. Registering an id twice replaces the older
// entry. The returned func is idempotent.
func (t *Tracker) Register(sessionID string, s Session) (unregister func()) {
	if t == nil {
		return func() {}
	}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	t.seq++
	entry := &trackedSession{session: s, seq: t.seq}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

// Reserve holds a place for a call that has not registered yet, so Wait
// also covers calls still between upgrade and start. It fails once Wait has
// been called. The returned release is idempotent.
func (t *Tracker) Reserve() (release func(), ok bool) {
	if t == nil {
		return func() {}, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	t.wg.Add(1)
	var once sync.Once
	return func() { once.Do(t.wg.Done) }, true
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Get(sessionID string) (Session, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Latest returns the most recently registered live call.
func (t *Tracker) Latest() (string, Session, bool) {
	if t == nil {
		return "", nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		bestID    string
		bestEntry *trackedSession
	)
	for id, entry := range t.sessions {
		if bestEntry == nil || entry.seq > bestEntry.seq {
			bestID, bestEntry = id, entry
		}
	}
	if bestEntry == nil {
		return "", nil, false
	}
	return bestID, bestEntry.session, true
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) snapshot() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, entry := range t.sessions {
		if entry.session != nil {
			out = append(out, entry.session)
		}
	}
	return out
}

// WarnAll sends a warning to every live call, ignoring send errors.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, s := range t.snapshot() {
		_ = s.SendWarning(code, message)
		sent++
	}
	return sent
}

// CancelAll asks every live call to end. Each call finalizes on its own
// goroutine; use Wait to block until they have unregistered.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, s := range t.snapshot() {
		s.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered or reserved call has let go, or ctx is
// done. It reports whether all calls finished. After Wait, Reserve fails.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
