package main

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/disintegration/imaging"
)

// testPNG encodes a solid-color image so tests can feed the decode path real
// bytes.
func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, uniformImage(width, height, color.RGBA{80, 120, 200, 255})); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return buf.Bytes()
}

func loadedSession(t *testing.T, config SessionConfig) *Session {
	t.Helper()
	sess := NewSession(config)
	if err := sess.Load(bytes.NewReader(testPNG(t, 100, 100))); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return sess
}

func TestSessionLoad(t *testing.T) {
	sess := NewSession(SessionConfig{})
	if got := sess.State(); got != StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}

	if err := sess.Load(bytes.NewReader(testPNG(t, 100, 50))); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := sess.State(); got != StateReady {
		t.Errorf("state after load = %v, want ready", got)
	}

	w, h, baseScale, ok := sess.Source()
	if !ok {
		t.Fatal("Source() not ok after load")
	}
	if w != 100 || h != 50 {
		t.Errorf("source dimensions = %dx%d, want 100x50", w, h)
	}
	if want := float64(PreviewDiameter) / 50; baseScale != want {
		t.Errorf("base scale = %v, want %v", baseScale, want)
	}
	if got := sess.View(); got != identityView() {
		t.Errorf("view after load = %v, want identity", got)
	}
}

func TestSessionLoadGarbage(t *testing.T) {
	sess := NewSession(SessionConfig{})
	err := sess.Load(bytes.NewReader([]byte("definitely not an image")))
	if !errors.Is(err, ErrImageDecode) {
		t.Fatalf("load error = %v, want ErrImageDecode", err)
	}
	if got := sess.State(); got == StateReady {
		t.Error("session became ready after decode failure")
	}

	// Export must stay unavailable.
	if _, err := sess.Confirm(); !errors.Is(err, ErrNoSource) {
		t.Errorf("confirm after failed load = %v, want ErrNoSource", err)
	}
}

func TestSetZoomClamps(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		want float64
	}{
		{"below range", -1, 0.5},
		{"zero", 0, 0.5},
		{"just below min", 0.3, 0.5},
		{"min", 0.5, 0.5},
		{"in range", 2.2, 2.2},
		{"max", 4, 4},
		{"above range", 9, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := loadedSession(t, SessionConfig{})
			if err := sess.SetZoom(tc.in); err != nil {
				t.Fatalf("SetZoom(%v) failed: %v", tc.in, err)
			}
			if got := sess.View().Zoom; got != tc.want {
				t.Errorf("zoom = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWheelClamps(t *testing.T) {
	sess := loadedSession(t, SessionConfig{})

	// One notch down zooms out a little.
	if err := sess.Wheel(120); err != nil {
		t.Fatalf("wheel failed: %v", err)
	}
	if got, want := sess.View().Zoom, 1-120*wheelSensitivity; got != want {
		t.Errorf("zoom after one notch = %v, want %v", got, want)
	}

	// Extreme deltas clamp to the bounds instead of erroring.
	if err := sess.Wheel(1e6); err != nil {
		t.Fatalf("wheel failed: %v", err)
	}
	if got := sess.View().Zoom; got != minZoom {
		t.Errorf("zoom after huge scroll down = %v, want %v", got, minZoom)
	}
	if err := sess.Wheel(-1e6); err != nil {
		t.Fatalf("wheel failed: %v", err)
	}
	if got := sess.View().Zoom; got != maxZoom {
		t.Errorf("zoom after huge scroll up = %v, want %v", got, maxZoom)
	}
}

func TestDragUpdatesOffset(t *testing.T) {
	sess := loadedSession(t, SessionConfig{})

	if err := sess.DragStart(10, 20); err != nil {
		t.Fatalf("drag start failed: %v", err)
	}
	if got := sess.State(); got != StateInteracting {
		t.Errorf("state during drag = %v, want interacting", got)
	}
	if err := sess.DragMove(25.5, 12); err != nil {
		t.Fatalf("drag move failed: %v", err)
	}
	if got := sess.View(); got.OffsetX != 15.5 || got.OffsetY != -8 {
		t.Errorf("offset = (%v,%v), want (15.5,-8)", got.OffsetX, got.OffsetY)
	}
	if err := sess.DragEnd(); err != nil {
		t.Fatalf("drag end failed: %v", err)
	}
	if got := sess.State(); got != StateReady {
		t.Errorf("state after drag = %v, want ready", got)
	}
}

func TestDragReversibility(t *testing.T) {
	sess := loadedSession(t, SessionConfig{})

	drag := func(dx, dy float64) {
		t.Helper()
		if err := sess.DragStart(0, 0); err != nil {
			t.Fatal(err)
		}
		if err := sess.DragMove(dx, dy); err != nil {
			t.Fatal(err)
		}
		if err := sess.DragEnd(); err != nil {
			t.Fatal(err)
		}
	}

	// Repeated there-and-back cycles must restore the offset exactly.
	for i := 0; i < 50; i++ {
		drag(37.5, -12.25)
		drag(-37.5, 12.25)
	}
	if got := sess.View(); got.OffsetX != 0 || got.OffsetY != 0 {
		t.Errorf("offset drifted to (%v,%v), want (0,0)", got.OffsetX, got.OffsetY)
	}
}

func TestDragMoveWithoutCapture(t *testing.T) {
	sess := loadedSession(t, SessionConfig{})
	if err := sess.DragMove(100, 100); err != nil {
		t.Fatalf("uncaptured move errored: %v", err)
	}
	if got := sess.View(); got.OffsetX != 0 || got.OffsetY != 0 {
		t.Errorf("uncaptured move changed offset to (%v,%v)", got.OffsetX, got.OffsetY)
	}
}

func TestConfirmExportsAndCloses(t *testing.T) {
	var crops int
	var cropped []byte
	sess := loadedSession(t, SessionConfig{
		OnCrop:   func(png []byte) { crops++; cropped = png },
		OnCancel: func() { t.Error("OnCancel fired on confirm") },
	})

	data, err := sess.Confirm()
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if crops != 1 {
		t.Fatalf("OnCrop fired %d times, want 1", crops)
	}
	if !bytes.Equal(data, cropped) {
		t.Error("callback bytes differ from returned bytes")
	}
	if got := sess.State(); got != StateClosed {
		t.Errorf("state after confirm = %v, want closed", got)
	}

	out, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("export is not a decodable image: %v", err)
	}
	if b := out.Bounds(); b.Dx() != OutputDiameter || b.Dy() != OutputDiameter {
		t.Errorf("export size = %dx%d, want %dx%d", b.Dx(), b.Dy(), OutputDiameter, OutputDiameter)
	}

	// A second confirm cannot fire the callback again.
	if _, err := sess.Confirm(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second confirm = %v, want ErrSessionClosed", err)
	}
	sess.Cancel()
	if crops != 1 {
		t.Errorf("OnCrop fired %d times after cancel, want 1", crops)
	}
}

func TestCancelDiscardsState(t *testing.T) {
	var cancels int
	sess := loadedSession(t, SessionConfig{
		OnCrop:   func([]byte) { t.Error("OnCrop fired on cancel") },
		OnCancel: func() { cancels++ },
	})

	if err := sess.SetZoom(3); err != nil {
		t.Fatal(err)
	}
	sess.Cancel()
	sess.Cancel()
	if cancels != 1 {
		t.Fatalf("OnCancel fired %d times, want 1", cancels)
	}
	if got := sess.State(); got != StateClosed {
		t.Errorf("state after cancel = %v, want closed", got)
	}
	if _, _, _, ok := sess.Source(); ok {
		t.Error("source still held after cancel")
	}
	if err := sess.SetZoom(2); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SetZoom after cancel = %v, want ErrSessionClosed", err)
	}

	// A fresh session starts from identity, nothing leaks across.
	next := loadedSession(t, SessionConfig{})
	if got := next.View(); got != identityView() {
		t.Errorf("fresh session view = %v, want identity", got)
	}
}

func TestConfirmWithoutSource(t *testing.T) {
	var fired bool
	sess := NewSession(SessionConfig{OnCrop: func([]byte) { fired = true }})
	if _, err := sess.Confirm(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("confirm without source = %v, want ErrNoSource", err)
	}
	if fired {
		t.Error("OnCrop fired without a source")
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %v, want idle (guard is a no-op)", got)
	}
}

func TestPreviewTracksRevision(t *testing.T) {
	sess := loadedSession(t, SessionConfig{})

	frame, rev1, err := sess.Preview()
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if b := frame.Bounds(); b.Dx() != PreviewDiameter || b.Dy() != PreviewDiameter {
		t.Errorf("preview size = %dx%d, want %dx%d", b.Dx(), b.Dy(), PreviewDiameter, PreviewDiameter)
	}

	if err := sess.SetZoom(2); err != nil {
		t.Fatal(err)
	}
	_, rev2, err := sess.Preview()
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if rev2 <= rev1 {
		t.Errorf("revision did not advance after mutation: %d -> %d", rev1, rev2)
	}

	// Unchanged state renders under the same revision.
	_, rev3, err := sess.Preview()
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if rev3 != rev2 {
		t.Errorf("revision moved without a mutation: %d -> %d", rev2, rev3)
	}
}

func TestSessionManager(t *testing.T) {
	m := NewSessionManager(time.Minute)

	id, sess, err := m.Open(bytes.NewReader(testPNG(t, 64, 64)), SessionConfig{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != sess {
		t.Error("Get returned a different session")
	}

	if _, err := m.Get("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown id = %v, want ErrSessionNotFound", err)
	}

	m.Remove(id)
	if _, err := m.Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("removed id = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionManagerOpenDecodeFailure(t *testing.T) {
	m := NewSessionManager(time.Minute)
	if _, _, err := m.Open(bytes.NewReader([]byte("junk")), SessionConfig{}); !errors.Is(err, ErrImageDecode) {
		t.Fatalf("open = %v, want ErrImageDecode", err)
	}
	if m.Len() != 0 {
		t.Errorf("failed open left %d sessions registered", m.Len())
	}
}

func TestSessionManagerExpiry(t *testing.T) {
	var cancelled bool
	m := NewSessionManager(time.Minute)
	id, _, err := m.Open(bytes.NewReader(testPNG(t, 64, 64)), SessionConfig{
		OnCancel: func() { cancelled = true },
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	m.expire(context.Background(), time.Now().Add(2*time.Minute))

	if m.Len() != 0 {
		t.Errorf("%d sessions left after expiry, want 0", m.Len())
	}
	if !cancelled {
		t.Error("expired session was not cancelled")
	}
	if _, err := m.Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired id = %v, want ErrSessionNotFound", err)
	}
}
