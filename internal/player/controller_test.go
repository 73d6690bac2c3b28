package player

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/config"
	"github.com/friendsincode/clubcast/internal/models"
	"github.com/friendsincode/clubcast/internal/mpv"
)

// fakeTransport scripts property replies and records sent commands.
type fakeTransport struct {
	mu        sync.Mutex
	props     map[string]any
	sent      [][]any
	failSends int
	closed    bool
}

func (f *fakeTransport) Send(command ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return &mpv.TransportError{Op: "write", Err: errors.New("broken pipe")}
	}
	f.sent = append(f.sent, command)
	return nil
}

func (f *fakeTransport) Request(_ context.Context, command ...any) (*mpv.Response, error) {
	if len(command) != 2 || command[0] != "get_property" {
		return &mpv.Response{Error: "success"}, nil
	}
	f.mu.Lock()
	value, ok := f.props[command[1].(string)]
	f.mu.Unlock()
	if !ok {
		return &mpv.Response{Error: "property unavailable"}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &mpv.Response{Error: "success", Data: data}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) setProp(name string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.props == nil {
		f.props = map[string]any{}
	}
	f.props[name] = value
}

func (f *fakeTransport) commands() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]any(nil), f.sent...)
}

func testConfig() *config.Config {
	return &config.Config{
		MPVPipePath:    "/tmp/test-mpv.sock",
		MPVStartupWait: 400 * time.Millisecond,
		RequestTimeout: time.Second,
		MediaRoot:      "/srv/music",
	}
}

func newTestController(transports ...*fakeTransport) (*Controller, *int) {
	dials := 0
	c := &Controller{
		cfg:    testConfig(),
		logger: zerolog.Nop(),
		launch: func(context.Context) error { return nil },
	}
	c.dial = func() (Transport, error) {
		if dials < len(transports) {
			t := transports[dials]
			dials++
			return t, nil
		}
		dials++
		return nil, errors.New("no transport")
	}
	return c, &dials
}

func TestEnsureReadyTimesOutWhenProcessNeverAppears(t *testing.T) {
	c := &Controller{
		cfg:    testConfig(),
		logger: zerolog.Nop(),
		dial:   func() (Transport, error) { return nil, errors.New("no pipe") },
		launch: func(context.Context) error { return nil },
	}

	start := time.Now()
	err := c.EnsureReady(context.Background())
	if !errors.Is(err, ErrProcessUnavailable) {
		t.Fatalf("expected ErrProcessUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("ensure blocked too long: %s", elapsed)
	}
}

func TestIssueCommandRetriesOnceAfterRelaunch(t *testing.T) {
	bad := &fakeTransport{failSends: 1}
	good := &fakeTransport{}
	c, dials := newTestController(bad, good)

	if err := c.IssueCommand(context.Background(), "set_property", "pause", true); err != nil {
		t.Fatalf("issue command: %v", err)
	}
	if *dials != 2 {
		t.Fatalf("expected a relaunch dial, got %d dials", *dials)
	}
	cmds := good.commands()
	if len(cmds) != 1 || cmds[0][0] != "set_property" {
		t.Fatalf("expected retried command on new transport, got %v", cmds)
	}
}

func TestIssueCommandFailsWhenRetryAlsoFails(t *testing.T) {
	bad := &fakeTransport{failSends: 1}
	stillBad := &fakeTransport{failSends: 1}
	c, _ := newTestController(bad, stillBad)

	if err := c.IssueCommand(context.Background(), "seek", 10, "absolute"); err == nil {
		t.Fatal("expected failure after exhausted retry")
	}
}

func TestPlaySwapsSessionAndNotifiesHistory(t *testing.T) {
	ft := &fakeTransport{}
	c, _ := newTestController(ft)

	var history []models.Song
	c.SetHistoryHook(func(s models.Song) { history = append(history, s) })

	song := models.Normalize("albums/track.mp3", "Track", "local", 180)
	before := time.Now()
	if err := c.Play(context.Background(), song); err != nil {
		t.Fatalf("play: %v", err)
	}

	session := c.Snapshot()
	if session.Current.Title != "Track" || session.Ended {
		t.Fatalf("unexpected session: %+v", session)
	}
	if session.PlayStartedAt.Before(before) {
		t.Fatalf("play_started_at not reset: %v", session.PlayStartedAt)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}

	cmds := ft.commands()
	if len(cmds) == 0 || cmds[0][0] != "loadfile" {
		t.Fatalf("expected loadfile first, got %v", cmds)
	}
	if cmds[0][1] != "/srv/music/albums/track.mp3" {
		t.Fatalf("expected media-root joined path, got %v", cmds[0][1])
	}
}

func TestGetPropertyDistinguishesUnavailable(t *testing.T) {
	ft := &fakeTransport{}
	ft.setProp("volume", 0.0)
	c, _ := newTestController(ft)

	raw, err := c.GetProperty(context.Background(), "time-pos")
	if err != nil || raw != nil {
		t.Fatalf("expected nil for unavailable property, got %s err %v", raw, err)
	}

	// A legitimate falsy value still comes through.
	if v, ok := c.GetFloat(context.Background(), "volume"); !ok || v != 0 {
		t.Fatalf("expected volume 0 present, got %v ok=%v", v, ok)
	}
}

func TestSeekUsesAbsoluteSecondsWhenDurationKnown(t *testing.T) {
	ft := &fakeTransport{}
	ft.setProp("duration", 200.0)
	c, _ := newTestController(ft)

	if err := c.Seek(context.Background(), 50); err != nil {
		t.Fatalf("seek: %v", err)
	}
	cmds := ft.commands()
	last := cmds[len(cmds)-1]
	if last[0] != "seek" || last[1].(float64) != 100 || last[2] != "absolute" {
		t.Fatalf("unexpected seek command: %v", last)
	}
}

func TestSeekFallsBackToPercent(t *testing.T) {
	ft := &fakeTransport{}
	c, _ := newTestController(ft)

	if err := c.Seek(context.Background(), 30); err != nil {
		t.Fatalf("seek: %v", err)
	}
	cmds := ft.commands()
	last := cmds[len(cmds)-1]
	if last[2] != "absolute-percent" {
		t.Fatalf("expected percent fallback, got %v", last)
	}
}

func TestSetPitchClampsToRange(t *testing.T) {
	ft := &fakeTransport{}
	c, _ := newTestController(ft)

	got, err := c.SetPitch(context.Background(), 11)
	if err != nil {
		t.Fatalf("set pitch: %v", err)
	}
	if got != 6 {
		t.Fatalf("expected clamp to +6, got %d", got)
	}
	if c.Snapshot().PitchShift != 6 {
		t.Fatalf("session pitch not updated: %+v", c.Snapshot())
	}
}

func TestTogglePauseFlipsProperty(t *testing.T) {
	ft := &fakeTransport{}
	ft.setProp("pause", false)
	c, _ := newTestController(ft)

	paused, err := c.TogglePause(context.Background())
	if err != nil {
		t.Fatalf("toggle pause: %v", err)
	}
	if !paused {
		t.Fatal("expected paused=true after toggle")
	}
}
