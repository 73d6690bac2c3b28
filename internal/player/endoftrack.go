/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"context"
	"time"

	"github.com/friendsincode/clubcast/internal/events"
	"github.com/friendsincode/clubcast/internal/models"
)

// The control channel has no reliable push notification for "track
// finished", so the controller polls a union of signals. Network sources
// need buffering time before position/duration mean anything; detection is
// suppressed entirely inside the grace window to avoid false positives.
const (
	// GracePeriod after a track starts during which end detection is skipped.
	GracePeriod = 10 * time.Second

	// endEpsilon is how close position must get to duration to count as
	// finished, in seconds.
	endEpsilon = 0.3

	// DefaultPollInterval between end-of-track checks.
	DefaultPollInterval = time.Second
)

// CheckEnded runs one detection tick. It returns true exactly once per
// track, on the Playing -> Ended transition; the hook registered with
// SetTrackEndHook receives the finished song. Policy for what happens next
// belongs to the caller.
func (c *Controller) CheckEnded(ctx context.Context) bool {
	c.sessionMu.Lock()
	current := c.session.Current
	startedAt := c.session.PlayStartedAt
	alreadyEnded := c.session.Ended
	c.sessionMu.Unlock()

	if current.URL == "" || alreadyEnded {
		return false
	}
	if time.Since(startedAt) < GracePeriod {
		return false
	}

	if !c.probeEnded(ctx) {
		return false
	}

	// Re-check under the lock: a Play issued between the probe and here
	// reset the session and the transition no longer applies.
	c.sessionMu.Lock()
	if c.session.Ended || c.session.Current.URL != current.URL ||
		time.Since(c.session.PlayStartedAt) < GracePeriod {
		c.sessionMu.Unlock()
		return false
	}
	c.session.Ended = true
	c.sessionMu.Unlock()

	c.logger.Info().Str("title", current.Title).Msg("track ended")

	if c.bus != nil {
		c.bus.Publish(events.EventTrackEnded, events.Payload{"current_meta": current.Meta()})
	}
	if c.onEnded != nil {
		c.onEnded(current)
	}
	return true
}

// probeEnded evaluates the heuristic union against live properties:
// an explicit eof flag, a position within epsilon of a known duration, or
// an idle process with no meaningful position.
func (c *Controller) probeEnded(ctx context.Context) bool {
	if eof, ok := c.GetBool(ctx, "eof-reached"); ok && eof {
		return true
	}

	pos, posKnown := c.GetFloat(ctx, "time-pos")
	duration, durKnown := c.GetFloat(ctx, "duration")
	if posKnown && durKnown && duration > 0 && duration-pos <= endEpsilon {
		return true
	}

	if idle, ok := c.GetBool(ctx, "idle-active"); ok && idle {
		if !posKnown || pos == 0 {
			return true
		}
	}
	return false
}

// RunEndOfTrackLoop polls CheckEnded until the context is cancelled.
func (c *Controller) RunEndOfTrackLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckEnded(ctx)
		}
	}
}

// Advance plays the supplied next track in response to an Ended report.
// It exists so sequencing collaborators re-enter playback through one
// locked path instead of racing Play against a concurrent poll tick.
func (c *Controller) Advance(ctx context.Context, next models.Song) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.playLocked(ctx, next)
}
