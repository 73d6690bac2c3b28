/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package relay moves encoded audio from the capture process to every
// connected consumer: transcode source supervision, the consumer registry,
// and the broadcast fan-out.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/events"
	"github.com/friendsincode/clubcast/internal/telemetry"
)

// ConsumerClass groups queue capacity and idle tolerances by the downstream
// client profile a format implies. Clients on aggressive-buffering formats
// get deeper queues and gentler keep-alive pacing.
type ConsumerClass struct {
	Name           string
	QueueCapacity  int
	KeepAliveEvery time.Duration
	StaleAfter     time.Duration
}

var consumerClasses = map[string]ConsumerClass{
	"mp3": {Name: "mp3", QueueCapacity: 64, KeepAliveEvery: 30 * time.Second, StaleAfter: 90 * time.Second},
	"aac": {Name: "aac", QueueCapacity: 128, KeepAliveEvery: 15 * time.Second, StaleAfter: 180 * time.Second},
}

func classFor(format string) ConsumerClass {
	if class, ok := consumerClasses[format]; ok {
		return class
	}
	class := consumerClasses["mp3"]
	class.Name = format
	return class
}

// Consumer is one registered relay client and its bounded FIFO queue.
type Consumer struct {
	ID     string
	Format string
	Class  ConsumerClass

	queue chan []byte

	mu             sync.Mutex
	bytesSent      int64
	chunksReceived int64
	lastActivity   time.Time // consumer-side: advanced when the queue is drained
	lastRealData   time.Time // producer-side: last real (non-filler) chunk accepted
	lastKeepAlive  time.Time
	failureStreak  int
	evict          bool
}

// enqueue attempts a non-blocking delivery. It never waits on a slow
// consumer.
func (c *Consumer) enqueue(chunk []byte) bool {
	select {
	case c.queue <- chunk:
		return true
	default:
		return false
	}
}

// Dequeue blocks until a chunk is available or the context ends.
func (c *Consumer) Dequeue(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-c.queue:
		c.touch()
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryDequeue returns the next chunk without blocking.
func (c *Consumer) TryDequeue() ([]byte, bool) {
	select {
	case chunk := <-c.queue:
		c.touch()
		return chunk, true
	default:
		return nil, false
	}
}

// QueueLen reports the current queue depth.
func (c *Consumer) QueueLen() int { return len(c.queue) }

func (c *Consumer) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Consumer) markDelivered(bytes int) {
	c.mu.Lock()
	c.bytesSent += int64(bytes)
	c.chunksReceived++
	c.failureStreak = 0
	c.lastRealData = time.Now()
	c.mu.Unlock()
}

// needsKeepAlive reports whether the consumer has gone without real data
// for its class interval and is not already being kept alive this cycle.
func (c *Consumer) needsKeepAlive(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastRealData) < c.Class.KeepAliveEvery {
		return false
	}
	if !c.lastKeepAlive.IsZero() && now.Sub(c.lastKeepAlive) < c.Class.KeepAliveEvery {
		return false
	}
	return true
}

func (c *Consumer) markKeepAlive(bytes int) {
	c.mu.Lock()
	c.bytesSent += int64(bytes)
	c.chunksReceived++
	c.lastKeepAlive = time.Now()
	c.mu.Unlock()
}

func (c *Consumer) markFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureStreak++
	return c.failureStreak
}

func (c *Consumer) flagEvict() {
	c.mu.Lock()
	c.evict = true
	c.mu.Unlock()
}

// Summary is the per-consumer slice of a stats snapshot.
type Summary struct {
	ID             string    `json:"id"`
	Format         string    `json:"format"`
	BytesSent      int64     `json:"bytes_sent"`
	ChunksReceived int64     `json:"chunks_received"`
	QueueLen       int       `json:"queue_len"`
	FailureStreak  int       `json:"failure_streak"`
	LastActivity   time.Time `json:"last_activity"`
}

func (c *Consumer) summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		ID:             c.ID,
		Format:         c.Format,
		BytesSent:      c.bytesSent,
		ChunksReceived: c.chunksReceived,
		QueueLen:       len(c.queue),
		FailureStreak:  c.failureStreak,
		LastActivity:   c.lastActivity,
	}
}

// Stats are the process-lifetime relay counters.
type Stats struct {
	TotalBytes         int64     `json:"total_bytes"`
	TotalChunks        int64     `json:"total_chunks"`
	BroadcastFailures  int64     `json:"broadcast_failures"`
	PeakConcurrent     int       `json:"peak_concurrent"`
	TotalConsumersEver int64     `json:"total_consumers_ever"`
	ActiveConsumers    int       `json:"active_consumers"`
	Consumers          []Summary `json:"consumers"`
}

// Pool is the concurrency-safe consumer registry. The lock scopes registry
// mutation only; no I/O happens under it.
type Pool struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	bus     *events.Bus

	mu                 sync.Mutex
	consumers          map[string]*Consumer
	totalBytes         int64
	totalChunks        int64
	broadcastFailures  int64
	peakConcurrent     int
	totalConsumersEver int64
}

// NewPool creates an empty registry.
func NewPool(bus *events.Bus, metrics *telemetry.Metrics, logger zerolog.Logger) *Pool {
	return &Pool{
		logger:    logger.With().Str("component", "client_pool").Logger(),
		metrics:   metrics,
		bus:       bus,
		consumers: make(map[string]*Consumer),
	}
}

// Register creates a consumer for the given format and returns its handle.
func (p *Pool) Register(format string) *Consumer {
	class := classFor(format)
	now := time.Now()
	c := &Consumer{
		ID:           uuid.NewString(),
		Format:       format,
		Class:        class,
		queue:        make(chan []byte, class.QueueCapacity),
		lastActivity: now,
		lastRealData: now,
	}

	p.mu.Lock()
	p.consumers[c.ID] = c
	p.totalConsumersEver++
	active := len(p.consumers)
	if active > p.peakConcurrent {
		p.peakConcurrent = active
	}
	peak := p.peakConcurrent
	p.mu.Unlock()

	p.logger.Info().Str("consumer", c.ID).Str("format", format).Int("active", active).Msg("consumer registered")
	p.metrics.Consumers(active, peak)
	p.publishListenerStats(active, "connect")
	return c
}

// Unregister removes a consumer. Safe against concurrent broadcast
// snapshots, which hold their own references.
func (p *Pool) Unregister(id string) {
	p.mu.Lock()
	_, ok := p.consumers[id]
	delete(p.consumers, id)
	active := len(p.consumers)
	peak := p.peakConcurrent
	p.mu.Unlock()

	if !ok {
		return
	}
	p.logger.Info().Str("consumer", id).Int("active", active).Msg("consumer unregistered")
	p.metrics.Consumers(active, peak)
	p.publishListenerStats(active, "disconnect")
}

// Get looks up a consumer by id.
func (p *Pool) Get(id string) (*Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

// Count returns the active consumer count.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

// Snapshot returns a point-in-time copy of the registry for iteration
// outside the lock.
func (p *Pool) Snapshot() []*Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// CleanupStale removes consumers idle longer than timeout as well as any
// flagged for eviction by the broadcast loop. Returns the number removed.
func (p *Pool) CleanupStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	var victims []*Consumer
	for _, c := range p.Snapshot() {
		c.mu.Lock()
		stale := c.evict || c.lastActivity.Before(cutoff)
		c.mu.Unlock()
		if stale {
			victims = append(victims, c)
		}
	}

	for _, c := range victims {
		p.logger.Warn().Str("consumer", c.ID).Msg("removing stale consumer")
		p.Unregister(c.ID)
	}
	return len(victims)
}

func (p *Pool) recordDelivery(bytes int) {
	p.mu.Lock()
	p.totalBytes += int64(bytes)
	p.totalChunks++
	p.mu.Unlock()
}

func (p *Pool) recordFailure() {
	p.mu.Lock()
	p.broadcastFailures++
	p.mu.Unlock()
}

// StatsSnapshot returns the aggregate counters plus per-consumer summaries.
func (p *Pool) StatsSnapshot() Stats {
	p.mu.Lock()
	stats := Stats{
		TotalBytes:         p.totalBytes,
		TotalChunks:        p.totalChunks,
		BroadcastFailures:  p.broadcastFailures,
		PeakConcurrent:     p.peakConcurrent,
		TotalConsumersEver: p.totalConsumersEver,
		ActiveConsumers:    len(p.consumers),
	}
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	stats.Consumers = make([]Summary, 0, len(consumers))
	for _, c := range consumers {
		stats.Consumers = append(stats.Consumers, c.summary())
	}
	return stats
}

func (p *Pool) publishListenerStats(active int, event string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.EventListenerStats, events.Payload{
		"listeners": active,
		"event":     event,
	})
}
