// Package transcript keeps the ordered, line-oriented record of one call and
// writes it out exactly once when the call ends.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	headerTitle     = "=== Conversation Transcript ==="
	timestampLayout = "2006-01-02 15:04:05"
	sessionIDLayout = "20060102_150405"
)

var (
	ErrNotStarted = errors.New("transcript not started")
	ErrFinalized  = errors.New("transcript already finalized")
)

type Kind int

const (
	KindHeader Kind = iota + 1
	KindUser
	KindAgent
	KindThinking
	KindFooter
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindUser:
		return "user"
	case KindAgent:
		return "agent"
	case KindThinking:
		return "thinking"
	case KindFooter:
		return "footer"
	default:
		return "unknown"
	}
}

// Entry is one rendered line. Header and footer entries carry their text
// verbatim (including blank separators); utterances get a speaker prefix.
type Entry struct {
	Kind Kind
	Text string
}

func (e Entry) Line() string {
	switch e.Kind {
	case KindUser:
		return "[User] " + e.Text
	case KindAgent:
		return "[Agent] " + e.Text
	case KindThinking:
		return "[Agent Thinking] " + e.Text
	default:
		return e.Text
	}
}

// Artifact is the finalized transcript handed to storage and downstream
// consumers.
type Artifact struct {
	SessionID string
	// Ref is the durable location reported by the Store (a file path for
	// FileStore).
	Ref       string
	Text      string
	Image     string
	StartedAt time.Time
	EndedAt   time.Time
}

type Store interface {
	Save(ctx context.Context, a Artifact) (ref string, err error)
}

type state int

const (
	stateIdle state = iota
	stateActive
	stateFinalized
)

type Options struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func(time.Time) string
}

type Log struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func(time.Time) string

	mu        sync.Mutex
	state     state
	sessionID string
	startedAt time.Time
	entries   []Entry
	image     string
}

func NewLog(opts Options) *Log {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = NewSessionID
	}
	return &Log{
		store:  opts.Store,
		logger: opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
	}
}

// NewSessionID derives a sortable id from t with a short random suffix so two
// calls started in the same second do not collide.
func NewSessionID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return t.Format(sessionIDLayout) + "_" + suffix
}

// Start begins a fresh transcript and returns its session id. Starting an
// active Log discards its entries and image under a new id; starting a
// finalized Log is an error.
func (l *Log) Start() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateFinalized {
		return "", ErrFinalized
	}
	if l.state == stateActive {
		l.logger.Warn("transcript restarted; discarding entries",
			"session_id", l.sessionID, "entries", len(l.entries))
	}

	now := l.now()
	l.state = stateActive
	l.sessionID = l.newID(now)
	l.startedAt = now
	l.image = ""
	l.entries = []Entry{
		{Kind: KindHeader, Text: headerTitle},
		{Kind: KindHeader, Text: "Session Started: " + now.Format(timestampLayout)},
		{Kind: KindHeader, Text: ""},
	}
	return l.sessionID, nil
}

func (l *Log) AppendUser(text string) error     { return l.append(KindUser, text) }
func (l *Log) AppendAgent(text string) error    { return l.append(KindAgent, text) }
func (l *Log) AppendThinking(text string) error { return l.append(KindThinking, text) }

func (l *Log) append(kind Kind, text string) error {
	text = strings.TrimSpace(text)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.activeLocked(); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	l.entries = append(l.entries, Entry{Kind: kind, Text: text})
	return nil
}

// SetImage attaches a base64 image to the transcript, replacing any earlier
// one. Once finalized the image can no longer change.
func (l *Log) SetImage(payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateFinalized {
		l.logger.Warn("image received after transcript finalized; ignoring",
			"session_id", l.sessionID, "bytes", len(payload))
		return ErrFinalized
	}
	if l.state != stateActive {
		return ErrNotStarted
	}
	l.image = payload
	return nil
}

func (l *Log) Finalized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateFinalized
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Log) Render() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return renderLocked(l.entries)
}

// Finalize appends the footer and writes the transcript through the Store.
// Only the first caller writes; concurrent and later callers get (nil, nil).
// A failed write still leaves the Log finalized.
func (l *Log) Finalize(ctx context.Context) (*Artifact, error) {
	l.mu.Lock()
	if err := l.activeLocked(); err != nil {
		l.mu.Unlock()
		if errors.Is(err, ErrFinalized) {
			return nil, nil
		}
		return nil, err
	}
	now := l.now()
	l.entries = append(l.entries,
		Entry{Kind: KindFooter, Text: ""},
		Entry{Kind: KindFooter, Text: "Session Ended: " + now.Format(timestampLayout)},
	)
	l.state = stateFinalized
	art := Artifact{
		SessionID: l.sessionID,
		Text:      renderLocked(l.entries),
		Image:     l.image,
		StartedAt: l.startedAt,
		EndedAt:   now,
	}
	l.mu.Unlock()

	if l.store == nil {
		return &art, nil
	}
	ref, err := l.store.Save(ctx, art)
	if err != nil {
		return nil, fmt.Errorf("save transcript %s: %w", art.SessionID, err)
	}
	art.Ref = ref
	return &art, nil
}

func (l *Log) activeLocked() error {
	switch l.state {
	case stateIdle:
		return ErrNotStarted
	case stateFinalized:
		return ErrFinalized
	}
	return nil
}

func renderLocked(entries []Entry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line()
	}
	return strings.Join(lines, "\n")
}
