/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package player drives the external playback process: command issuance,
// property polling, session state, and end-of-track detection.
package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/config"
	"github.com/friendsincode/clubcast/internal/events"
	"github.com/friendsincode/clubcast/internal/models"
	"github.com/friendsincode/clubcast/internal/mpv"
	"github.com/friendsincode/clubcast/internal/telemetry"
)

// ErrProcessUnavailable is returned when the playback process cannot be
// reached within the bounded startup wait.
var ErrProcessUnavailable = errors.New("player: playback process unavailable")

// readyPollInterval is how often EnsureReady re-probes the pipe while the
// process starts up.
const readyPollInterval = 150 * time.Millisecond

// Transport is the slice of the pipe channel the controller needs.
// *mpv.Conn satisfies it; tests substitute a scripted fake.
type Transport interface {
	Send(command ...any) error
	Request(ctx context.Context, command ...any) (*mpv.Response, error)
	Close() error
	Closed() bool
}

// Controller translates playback intents into pipe commands and owns the
// playback session.
type Controller struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	bus     *events.Bus

	dial   func() (Transport, error)
	launch func(ctx context.Context) error

	connMu sync.Mutex
	conn   Transport

	sessionMu sync.Mutex
	session   Session

	onEnded      func(models.Song)
	addToHistory func(models.Song)
}

// New creates a controller wired to the real mpv binary and IPC socket.
func New(cfg *config.Config, bus *events.Bus, metrics *telemetry.Metrics, logger zerolog.Logger) *Controller {
	c := &Controller{
		cfg:     cfg,
		logger:  logger.With().Str("component", "player").Logger(),
		metrics: metrics,
		bus:     bus,
	}
	c.dial = func() (Transport, error) {
		return mpv.Dial(cfg.MPVPipePath, cfg.RequestTimeout, c.logger)
	}
	proc := newProcess(cfg, c.logger)
	c.launch = proc.Launch
	return c
}

// SetTrackEndHook registers the sequencing collaborator's callback. The
// controller reports Ended transitions; it never decides what plays next.
func (c *Controller) SetTrackEndHook(fn func(models.Song)) { c.onEnded = fn }

// SetHistoryHook registers the history collaborator's callback, invoked once
// per successful track change.
func (c *Controller) SetHistoryHook(fn func(models.Song)) { c.addToHistory = fn }

// EnsureReady probes the pipe and, if the process is absent, launches it and
// waits up to the configured startup window for the pipe to appear.
func (c *Controller) EnsureReady(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.ensureReadyLocked(ctx)
}

func (c *Controller) ensureReadyLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.Closed() {
		return nil
	}

	if t, err := c.dial(); err == nil {
		c.conn = t
		return nil
	}

	c.logger.Info().Str("pipe", c.cfg.MPVPipePath).Msg("playback process not reachable, launching")
	if err := c.launch(ctx); err != nil {
		return fmt.Errorf("launch playback process: %w", err)
	}

	deadline := time.Now().Add(c.cfg.MPVStartupWait)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t, err := c.dial(); err == nil {
				c.conn = t
				c.logger.Info().Msg("playback process ready")
				return nil
			}
			if time.Now().After(deadline) {
				return ErrProcessUnavailable
			}
		}
	}
}

func (c *Controller) transport(ctx context.Context) (Transport, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := c.ensureReadyLocked(ctx); err != nil {
		return nil, err
	}
	return c.conn, nil
}

func (c *Controller) dropConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// IssueCommand sends a fire-and-forget command, relaunching the process and
// retrying once on a pipe write failure. A second failure is returned to
// the caller.
func (c *Controller) IssueCommand(ctx context.Context, name string, args ...any) error {
	command := append([]any{name}, args...)

	t, err := c.transport(ctx)
	if err != nil {
		return err
	}
	c.metrics.PlayerCommand(name)

	if err := t.Send(command...); err == nil {
		return nil
	} else if !mpv.IsTransport(err) {
		return err
	}

	c.logger.Warn().Str("command", name).Msg("pipe write failed, relaunching playback process")
	c.metrics.PlayerRelaunch()
	c.dropConn()

	t, err = c.transport(ctx)
	if err != nil {
		return err
	}
	if err := t.Send(command...); err != nil {
		return fmt.Errorf("command %q failed after relaunch: %w", name, err)
	}
	return nil
}

// GetProperty queries one property. A nil raw value distinguishes
// "unavailable" from a legitimate falsy value; transport-level failures are
// returned as errors.
func (c *Controller) GetProperty(ctx context.Context, name string) (json.RawMessage, error) {
	t, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.Request(ctx, "get_property", name)
	if err != nil {
		return nil, err
	}
	if !resp.OK() || resp.Unavailable() {
		return nil, nil
	}
	return resp.Data, nil
}

// GetFloat reads a numeric property. ok is false when the property is
// unavailable or the process is unreachable.
func (c *Controller) GetFloat(ctx context.Context, name string) (float64, bool) {
	raw, err := c.GetProperty(ctx, name)
	if err != nil || raw == nil {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}

// GetBool reads a boolean property.
func (c *Controller) GetBool(ctx context.Context, name string) (bool, bool) {
	raw, err := c.GetProperty(ctx, name)
	if err != nil || raw == nil {
		return false, false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	return v, true
}

// Play swaps in a new track: loads it in the playback process, resets the
// session clock and pitch, and notifies the history hook.
func (c *Controller) Play(ctx context.Context, song models.Song) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.playLocked(ctx, song)
}

// playLocked is the body of Play for callers already holding the session
// lock (the advance-on-ended path re-enters through here).
func (c *Controller) playLocked(ctx context.Context, song models.Song) error {
	target := song.URL
	if song.IsLocal() && !filepath.IsAbs(target) {
		target = filepath.Join(c.cfg.MediaRoot, target)
	}

	if err := c.IssueCommand(ctx, "loadfile", target, "replace"); err != nil {
		return fmt.Errorf("load %q: %w", song.Title, err)
	}
	if err := c.IssueCommand(ctx, "set_property", "pause", false); err != nil {
		c.logger.Warn().Err(err).Msg("unpause after load failed")
	}
	// A new track always starts at the neutral pitch.
	_ = c.IssueCommand(ctx, "af", "clr", "")

	c.session.Current = song
	c.session.PlayStartedAt = time.Now()
	c.session.Ended = false
	c.session.PitchShift = 0

	c.logger.Info().Str("title", song.Title).Str("kind", string(song.Kind)).Msg("now playing")

	if c.addToHistory != nil {
		c.addToHistory(song)
	}
	if c.bus != nil {
		c.bus.Publish(events.EventNowPlaying, events.Payload{"current_meta": song.Meta()})
	}
	return nil
}

// TogglePause flips the pause property and returns the new paused state.
func (c *Controller) TogglePause(ctx context.Context) (bool, error) {
	paused, ok := c.GetBool(ctx, "pause")
	if !ok {
		return false, ErrProcessUnavailable
	}
	if err := c.IssueCommand(ctx, "set_property", "pause", !paused); err != nil {
		return paused, err
	}
	if c.bus != nil {
		c.bus.Publish(events.EventPlaybackState, events.Payload{"paused": !paused})
	}
	return !paused, nil
}

// Seek jumps to a position given as a percentage of the track. When the
// duration is unknown the percent form is handed to the process directly.
func (c *Controller) Seek(ctx context.Context, percent float64) error {
	if duration, ok := c.GetFloat(ctx, "duration"); ok && duration > 0 {
		return c.IssueCommand(ctx, "seek", percent/100*duration, "absolute")
	}
	return c.IssueCommand(ctx, "seek", percent, "absolute-percent")
}

// SetLoopMode records the loop mode and configures single-track looping in
// the process. Queue looping (mode 2) is sequencing policy and stays with
// the caller.
func (c *Controller) SetLoopMode(ctx context.Context, mode int) error {
	if mode < LoopOff || mode > LoopPlaylist {
		return fmt.Errorf("invalid loop mode %d", mode)
	}

	loopFile := "no"
	if mode == LoopSingle {
		loopFile = "inf"
	}
	if err := c.IssueCommand(ctx, "set_property", "loop-file", loopFile); err != nil {
		return err
	}

	c.sessionMu.Lock()
	c.session.LoopMode = mode
	c.sessionMu.Unlock()
	return nil
}

// SetPitch shifts playback by whole semitones, clamped to -6..+6.
func (c *Controller) SetPitch(ctx context.Context, semitones int) (int, error) {
	if semitones > 6 {
		semitones = 6
	}
	if semitones < -6 {
		semitones = -6
	}

	var err error
	if semitones == 0 {
		err = c.IssueCommand(ctx, "af", "clr", "")
	} else {
		scale := math.Pow(2, float64(semitones)/12)
		err = c.IssueCommand(ctx, "af", "set", fmt.Sprintf("rubberband=pitch-scale=%.6f", scale))
	}
	if err != nil {
		return 0, err
	}

	c.sessionMu.Lock()
	c.session.PitchShift = semitones
	c.sessionMu.Unlock()
	return semitones, nil
}

// SetVolume sets the output volume, clamped to the process's 0-130 range.
func (c *Controller) SetVolume(ctx context.Context, volume float64) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 130 {
		volume = 130
	}
	return c.IssueCommand(ctx, "set_property", "volume", volume)
}

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot() Session {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session
}

// State polls the live process properties, degrading to zero values when a
// property (or the whole process) is unavailable.
func (c *Controller) State(ctx context.Context) PlayerState {
	state := PlayerState{Paused: true, Volume: 50}
	if paused, ok := c.GetBool(ctx, "pause"); ok {
		state.Paused = paused
	}
	if pos, ok := c.GetFloat(ctx, "time-pos"); ok {
		state.TimePos = pos
	}
	if duration, ok := c.GetFloat(ctx, "duration"); ok {
		state.Duration = duration
	}
	if volume, ok := c.GetFloat(ctx, "volume"); ok {
		state.Volume = volume
	}
	return state
}

// Close tears down the pipe connection.
func (c *Controller) Close() {
	c.dropConn()
}
