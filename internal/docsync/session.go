// Package docsync keeps one open document synchronized between the server
// and a local editing surface over the shared realtime channel.
package docsync

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/collabdocs/collabsync/internal/realtime"
)

var ErrNoSurface = errors.New("no editing surface attached")

// State of a document session.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateLoaded
	StateEditing
	StateLeft
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateLoaded:
		return "loaded"
	case StateEditing:
		return "editing"
	case StateLeft:
		return "left"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Surface is the editing surface the session feeds: remote snapshots are
// applied into it, and it is read back in full when a local edit broadcasts.
type Surface interface {
	Apply(content json.RawMessage) error
	Contents() (json.RawMessage, error)
}

// Channel is the slice of the realtime handle the session needs.
// *realtime.Handle satisfies it.
type Channel interface {
	Emit(event string, data any) error
	Release()
}

type SessionOptions struct {
	DocumentID int64
	// Surface may be nil at construction; the initial snapshot is then
	// buffered until AttachSurface.
	Surface Surface
	Logger  *zap.Logger
}

// Session tracks one document's shared channel membership. Snapshots flow
// whole in both directions: there is no diffing and no merge, so when two
// sessions broadcast concurrently the server-relayed ordering decides the
// final state.
type Session struct {
	docID  int64
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	channel     Channel
	surface     Surface
	pending     json.RawMessage
	hasPending  bool
	applying    bool
	joinOnBind  bool
	title       string
	description string
	failure     string
}

func NewSession(opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		docID:   opts.DocumentID,
		surface: opts.Surface,
		logger:  logger.With(zap.Int64("document_id", opts.DocumentID)),
		state:   StateIdle,
	}
}

// Open creates a session and subscribes it to the shared channel.
func Open(m *realtime.Manager, opts SessionOptions) (*Session, error) {
	s := NewSession(opts)
	handle, err := m.Acquire(s)
	if err != nil {
		return nil, err
	}
	s.Bind(handle)
	return s, nil
}

// Bind gives the session its channel reference. OnConnect can fire before
// Bind returns; the join is then emitted here instead.
func (s *Session) Bind(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ch
	if s.joinOnBind {
		s.joinOnBind = false
		s.emitLocked(realtime.EventJoinDocument, realtime.JoinDocumentPayload{DocumentID: s.docID})
	}
}

// OnConnect joins the document room. It also runs on every reconnect: the
// server re-sends the full content after a join, which heals anything missed
// while disconnected.
func (s *Session) OnConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLeft || s.state == StateFailed {
		return
	}
	s.state = StateJoining
	if s.channel == nil {
		s.joinOnBind = true
		return
	}
	s.emitLocked(realtime.EventJoinDocument, realtime.JoinDocumentPayload{DocumentID: s.docID})
}

func (s *Session) OnDisconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLoaded || s.state == StateEditing {
		s.state = StateJoining
	}
}

func (s *Session) OnEvent(event string, data json.RawMessage) {
	switch event {
	case realtime.EventLoadDocumentContent:
		var payload realtime.LoadDocumentContentPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn("undecodable content load", zap.Error(err))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateLeft || s.state == StateFailed {
			return
		}
		s.title = payload.Title
		s.description = payload.Description
		s.state = StateLoaded
		s.ingestLocked(payload.Content)
	case realtime.EventDocumentUpdated:
		var payload realtime.DocumentUpdatedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn("undecodable document update", zap.Error(err))
			return
		}
		if payload.DocumentID != s.docID {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateLeft || s.state == StateFailed {
			return
		}
		s.ingestLocked(payload.Content)
	case realtime.EventError:
		var payload realtime.ErrorPayload
		_ = json.Unmarshal(data, &payload)
		s.handleError(payload.Message)
	}
}

// handleError attributes a channel error frame. The wire carries no document
// id on errors and the channel is shared across sessions, so only a session
// still awaiting its join response treats one as its own rejection; a loaded
// session logs it and keeps syncing.
func (s *Session) handleError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoining {
		s.logger.Warn("channel error outside join; ignoring",
			zap.String("message", message), zap.Stringer("state", s.state))
		return
	}
	s.state = StateFailed
	s.failure = message
	s.logger.Warn("document session failed", zap.String("message", message))
}

// ingestLocked routes an inbound snapshot: applied now when a surface is
// attached, otherwise buffered. One slot only; a newer snapshot replaces an
// older unapplied one.
func (s *Session) ingestLocked(content json.RawMessage) {
	if content == nil {
		content = json.RawMessage("null")
	}
	if s.surface == nil {
		s.pending = content
		s.hasPending = true
		return
	}
	s.applyLocked(content)
}

// applyLocked pushes a remote snapshot into the surface with the suppression
// flag raised, so a change handler fired from inside Apply never re-broadcasts
// the server's own update back at it. The lock is dropped around the Apply
// call; the flag is what the interleaved LocalChange consults.
func (s *Session) applyLocked(content json.RawMessage) {
	surface := s.surface
	s.applying = true
	s.mu.Unlock()
	err := surface.Apply(content)
	s.mu.Lock()
	s.applying = false
	if err != nil {
		s.logger.Warn("applying remote snapshot failed", zap.Error(err))
	}
}

// AttachSurface hands the session its editing surface. A snapshot buffered
// before this point is applied exactly once, then discarded.
func (s *Session) AttachSurface(surface Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surface = surface
	if s.hasPending && surface != nil {
		content := s.pending
		s.pending = nil
		s.hasPending = false
		s.applyLocked(content)
	}
}

// LocalChange broadcasts the surface's full current content as a replacement
// snapshot. It is a no-op while a remote snapshot is being applied, and
// before the initial load has arrived.
func (s *Session) LocalChange() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applying {
		return nil
	}
	if s.state != StateLoaded && s.state != StateEditing {
		return nil
	}
	if s.surface == nil {
		return ErrNoSurface
	}
	content, err := s.surface.Contents()
	if err != nil {
		return err
	}
	s.state = StateEditing
	return s.emitLocked(realtime.EventDocumentChange, realtime.DocumentChangePayload{
		DocumentID: s.docID,
		Content:    content,
	})
}

// Close leaves the document and releases the channel reference. The leave is
// emitted from any state, best effort, even when the initial load never
// arrived; the channel itself stays up for other sessions.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateLeft {
		s.mu.Unlock()
		return
	}
	s.emitLocked(realtime.EventLeaveDocument, realtime.LeaveDocumentPayload{DocumentID: s.docID})
	s.state = StateLeft
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()
	if ch != nil {
		ch.Release()
	}
}

func (s *Session) emitLocked(event string, payload any) error {
	if s.channel == nil {
		return realtime.ErrNotConnected
	}
	if err := s.channel.Emit(event, payload); err != nil {
		s.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure reports the message of the error that ended the session, if any.
func (s *Session) Failure() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

func (s *Session) DocumentID() int64 {
	return s.docID
}
