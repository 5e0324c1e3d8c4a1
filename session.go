package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoSource guards export against states the UI should make
	// impossible. Callers treat it as a silent no-op.
	ErrNoSource = errors.New("no source image loaded")
	// ErrSessionClosed rejects operations after confirm or cancel.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound means the id is unknown or already expired.
	ErrSessionNotFound = errors.New("session not found")
)

// SessionState tracks one crop session through its lifecycle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateLoading
	StateReady
	StateInteracting
	StateExporting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateInteracting:
		return "interacting"
	case StateExporting:
		return "exporting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionConfig carries the completion callbacks. Exactly one of OnCrop or
// OnCancel fires, exactly once per session.
type SessionConfig struct {
	OnCrop   func(png []byte)
	OnCancel func()
}

// Session is one crop editing session: a decoded source image plus the
// framing the user has dialed in. All methods are safe for concurrent use;
// the mutex serializes input events the way a UI event loop would.
type Session struct {
	config SessionConfig

	mu         sync.Mutex
	state      SessionState
	src        *SourceImage
	view       ViewState
	rev        uint64
	drag       *dragAnchor
	finishOnce sync.Once
}

func NewSession(config SessionConfig) *Session {
	return &Session{
		config: config,
		state:  StateIdle,
		view:   identityView(),
	}
}

// Load decodes the image and makes the session ready. The decode runs
// without the lock held so Cancel stays responsive; a session cancelled
// mid-load discards the decoded bitmap.
func (s *Session) Load(r io.Reader) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateIdle:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot load in %s state", state)
	}
	s.state = StateLoading
	s.mu.Unlock()

	src, err := decodeSource(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if err != nil {
		s.state = StateIdle
		return err
	}
	s.src = src
	s.view = identityView()
	s.rev++
	s.state = StateReady
	return nil
}

// DragStart captures the pointer: the current offset becomes the anchor for
// every move until DragEnd. A second start while captured re-anchors.
func (s *Session) DragStart(pointerX, pointerY float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReady(); err != nil {
		return err
	}
	s.drag = &dragAnchor{
		pointerX: pointerX,
		pointerY: pointerY,
		offsetX:  s.view.OffsetX,
		offsetY:  s.view.OffsetY,
	}
	s.state = StateInteracting
	return nil
}

// DragMove updates the offset against the drag anchor. Moves without an
// active capture are ignored.
func (s *Session) DragMove(pointerX, pointerY float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.drag == nil {
		return nil
	}
	s.view.OffsetX, s.view.OffsetY = s.drag.applyDrag(pointerX, pointerY)
	s.rev++
	return nil
}

// DragEnd releases the pointer capture.
func (s *Session) DragEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.drag == nil {
		return nil
	}
	s.drag = nil
	s.state = StateReady
	return nil
}

// Wheel applies a scroll delta to the zoom, clamped to the allowed range.
func (s *Session) Wheel(deltaY float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReady(); err != nil {
		return err
	}
	s.view.Zoom = applyWheel(s.view.Zoom, deltaY)
	s.rev++
	return nil
}

// SetZoom sets the zoom directly (slider path), clamped to the allowed range.
func (s *Session) SetZoom(zoom float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReady(); err != nil {
		return err
	}
	s.view.Zoom = clampZoom(zoom)
	s.rev++
	return nil
}

func (s *Session) requireReady() error {
	switch s.state {
	case StateReady, StateInteracting:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("session not ready: %s", s.state)
	}
}

// View returns the current framing.
func (s *Session) View() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Source reports the decoded dimensions and base scale, or ok=false before
// load completes.
func (s *Session) Source() (width, height int, baseScale float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.src == nil {
		return 0, 0, 0, false
	}
	return s.src.Width, s.src.Height, s.src.baseScale, true
}

// Preview renders the current frame at preview resolution. The returned
// revision increases with every framing change, so callers can use it as a
// cache validator.
func (s *Session) Preview() (*image.NRGBA, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, 0, ErrSessionClosed
	}
	if s.src == nil {
		return nil, 0, ErrNoSource
	}
	return renderView(s.src, s.view, PreviewDiameter, 1), s.rev, nil
}

// Confirm exports the crop at output resolution using the exact framing the
// preview last showed, fires OnCrop, and closes the session. Without a
// loaded source it is a guard no-op: no callback, ErrNoSource back.
func (s *Session) Confirm() ([]byte, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.src == nil {
		s.mu.Unlock()
		return nil, ErrNoSource
	}
	s.state = StateExporting

	ratio := float64(OutputDiameter) / float64(PreviewDiameter)
	frame := renderView(s.src, s.view, OutputDiameter, ratio)
	png, err := encodePNG(frame)
	if err != nil {
		s.state = StateReady
		s.mu.Unlock()
		return nil, err
	}

	s.src = nil
	s.drag = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.finishOnce.Do(func() {
		if fn := s.config.OnCrop; fn != nil {
			fn(png)
		}
	})
	return png, nil
}

// Cancel discards the session: source and framing are dropped, OnCancel
// fires, and OnCrop never will. Safe to call in any state, idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.src = nil
	s.drag = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.finishOnce.Do(func() {
		if fn := s.config.OnCancel; fn != nil {
			fn()
		}
	})
}

// SessionManager tracks live sessions by id and expires the ones nobody
// touches, so abandoned uploads do not pin decoded bitmaps.
type SessionManager struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*managedSession
}

type managedSession struct {
	sess     *Session
	lastSeen time.Time
}

func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{
		ttl:      ttl,
		sessions: make(map[string]*managedSession),
	}
}

// Open creates a session, loads the image from r, and registers it under a
// fresh id. Nothing is registered when decode fails.
func (m *SessionManager) Open(r io.Reader, config SessionConfig) (string, *Session, error) {
	sess := NewSession(config)
	if err := sess.Load(r); err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = &managedSession{sess: sess, lastSeen: time.Now()}
	m.mu.Unlock()
	return id, sess, nil
}

// Get looks up a live session and refreshes its idle timer.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	ms.lastSeen = time.Now()
	return ms.sess, nil
}

// Remove drops a session from the registry without touching its state.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len reports the number of registered sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep cancels and drops sessions idle past the TTL until ctx ends.
func (m *SessionManager) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.expire(ctx, time.Now())
		}
	}
}

func (m *SessionManager) expire(ctx context.Context, now time.Time) {
	var expired []*Session
	m.mu.Lock()
	for id, ms := range m.sessions {
		if now.Sub(ms.lastSeen) > m.ttl {
			delete(m.sessions, id)
			expired = append(expired, ms.sess)
			log.Ctx(ctx).Debug().Str("session", id).Msg("expiring idle session")
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.Cancel()
	}
}
