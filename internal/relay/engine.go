/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/config"
	"github.com/friendsincode/clubcast/internal/events"
	"github.com/friendsincode/clubcast/internal/telemetry"
)

const (
	// failureStreakLimit marks a consumer for eviction once this many
	// consecutive enqueues have been rejected. Removal happens in the
	// sweep, never mid-broadcast.
	failureStreakLimit = 20

	// keepAliveTick is how often idle consumers are checked against their
	// class keep-alive interval.
	keepAliveTick = 5 * time.Second

	// sweepInterval between stale-consumer passes.
	sweepInterval = 30 * time.Second

	// staleTimeout is the default inactivity bound for the sweep.
	staleTimeout = 2 * time.Minute

	// sourceRetryDelay before reattaching to a dead encoder.
	sourceRetryDelay = time.Second
)

// TickResult is the delivery accounting for one broadcast tick.
type TickResult struct {
	Success int
	Fail    int
}

// Engine fans chunks from the transcode source out to every registered
// consumer. Dispatch is serial and non-blocking per consumer: a full queue
// costs a counter bump, never a stall, and a chunk accepted by one consumer
// is never cancelled mid-delivery for another's sake.
type Engine struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	bus     *events.Bus

	source AudioSource
	pool   *Pool

	// activeFormat is the format the live source was started with. The
	// format is immutable while consumers remain attached, so a restart
	// after encoder death must reuse it, never the configured default.
	activeMu     sync.Mutex
	activeFormat string
}

// NewEngine creates a broadcast engine over the given source and pool.
func NewEngine(cfg *config.Config, source AudioSource, pool *Pool, bus *events.Bus, metrics *telemetry.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		logger:  logger.With().Str("component", "broadcast_engine").Logger(),
		metrics: metrics,
		bus:     bus,
		source:  source,
		pool:    pool,
	}
}

// TargetBitrate computes the advisory encode bitrate for n consumers:
// the base rate up to the free threshold, then one step down per extra
// consumer, floored at the minimum.
func (e *Engine) TargetBitrate(n int) int {
	if n <= e.cfg.FreeListeners {
		return e.cfg.BaseBitrate
	}
	bitrate := e.cfg.BaseBitrate - e.cfg.BitrateStep*(n-e.cfg.FreeListeners)
	if bitrate < e.cfg.MinBitrate {
		return e.cfg.MinBitrate
	}
	return bitrate
}

// retune recomputes the advisory encode settings for the current consumer
// count: the target bitrate, and a shorter read chunk above the free
// threshold so fan-out ticks stay short under load.
func (e *Engine) retune() int {
	n := e.pool.Count()
	bitrate := e.TargetBitrate(n)
	e.metrics.TargetBitrate(bitrate)

	if sizer, ok := e.source.(interface{ SetChunkSize(int) }); ok {
		size := MaxChunkSize
		if n > e.cfg.FreeListeners {
			size = MinChunkSize
		}
		sizer.SetChunkSize(size)
	}
	return bitrate
}

// Attach registers a consumer and makes sure the source is running. The
// recomputed bitrate is advisory: it applies to the next source start, not
// the live process.
func (e *Engine) Attach(format string) (*Consumer, error) {
	c := e.pool.Register(format)
	bitrate := e.retune()

	starting := !e.source.Running()
	if err := e.source.Start(format, bitrate); err != nil {
		e.pool.Unregister(c.ID)
		e.retune()
		return nil, err
	}
	if starting {
		e.activeMu.Lock()
		e.activeFormat = format
		e.activeMu.Unlock()
	}
	return c, nil
}

// Detach unregisters a consumer and refreshes the advisory settings.
func (e *Engine) Detach(id string) {
	e.pool.Unregister(id)
	e.retune()
}

// Pool exposes the registry for status reporting.
func (e *Engine) Pool() *Pool { return e.pool }

// Run is the main broadcast loop: read one chunk, fan it out, repeat. A
// dead source is restarted with its last advisory settings after a short
// delay.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Msg("broadcast loop started")
	for {
		if err := ctx.Err(); err != nil {
			e.logger.Info().Msg("broadcast loop stopped")
			return
		}

		chunk, err := e.source.ReadChunk(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.handleSourceError(ctx, err)
			continue
		}

		e.broadcast(chunk)
	}
}

func (e *Engine) handleSourceError(ctx context.Context, err error) {
	if !errors.Is(err, ErrSourceNotRunning) {
		e.logger.Warn().Err(err).Msg("source read failed")
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(sourceRetryDelay):
	}

	// Nothing to feed and nothing to restart for.
	if e.pool.Count() == 0 {
		return
	}
	if e.source.Running() {
		return
	}

	e.activeMu.Lock()
	format := e.activeFormat
	e.activeMu.Unlock()
	if format == "" {
		format = e.cfg.StreamFormat
	}

	bitrate := e.retune()
	e.logger.Info().Str("format", format).Int("bitrate", bitrate).Msg("restarting transcode source")
	if e.bus != nil {
		e.bus.Publish(events.EventRelayRestart, events.Payload{"format": format, "bitrate": bitrate})
	}
	if err := e.source.Start(format, bitrate); err != nil {
		e.logger.Error().Err(err).Msg("source restart failed")
	}
}

// broadcast delivers one chunk to a snapshot of the registry, serially.
// Queue-full failures are absorbed per consumer; a consumer over the
// failure-streak limit is flagged for the sweep to remove.
func (e *Engine) broadcast(chunk []byte) TickResult {
	snapshot := e.pool.Snapshot()
	var result TickResult

	for _, c := range snapshot {
		if c.enqueue(chunk) {
			result.Success++
			c.markDelivered(len(chunk))
			e.pool.recordDelivery(len(chunk))
			e.metrics.RelayDelivered(len(chunk))
			continue
		}

		result.Fail++
		e.pool.recordFailure()
		e.metrics.RelayFailed()
		if streak := c.markFailed(); streak == failureStreakLimit {
			e.logger.Warn().Str("consumer", c.ID).Int("streak", streak).Msg("consumer backpressure limit, flagging for eviction")
			c.flagEvict()
		}
	}
	return result
}

// RunKeepAlive enqueues a format-valid filler chunk to any consumer that
// has gone without real data longer than its class interval, so downstream
// transports do not drop the connection as idle.
func (e *Engine) RunKeepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.keepAlivePass(time.Now())
		}
	}
}

func (e *Engine) keepAlivePass(now time.Time) {
	for _, c := range e.pool.Snapshot() {
		if !c.needsKeepAlive(now) {
			continue
		}
		filler := fillerFor(c.Format)
		if c.enqueue(filler) {
			c.markKeepAlive(len(filler))
			e.metrics.Keepalive()
		}
	}
}

// RunSweep periodically removes stale and eviction-flagged consumers.
func (e *Engine) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := e.pool.CleanupStale(staleTimeout); removed > 0 {
				e.retune()
			}
		}
	}
}
