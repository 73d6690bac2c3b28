package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/config"
)

// fakeSource records starts and serves scripted chunks.
type fakeSource struct {
	mu         sync.Mutex
	starts     [][2]any // format, bitrate
	running    bool
	chunks     chan []byte
	chunkSizes []int
}

func newFakeSource() *fakeSource {
	return &fakeSource{chunks: make(chan []byte, 16)}
}

func (f *fakeSource) Start(format string, bitrateKbps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	f.starts = append(f.starts, [2]any{format, bitrateKbps})
	f.running = true
	return nil
}

func (f *fakeSource) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-f.chunks:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSource) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSource) SetChunkSize(n int) {
	f.mu.Lock()
	f.chunkSizes = append(f.chunkSizes, n)
	f.mu.Unlock()
}

func relayConfig() *config.Config {
	return &config.Config{
		BaseBitrate:   192,
		MinBitrate:    128,
		BitrateStep:   8,
		FreeListeners: 5,
		StreamFormat:  "mp3",
	}
}

func newTestEngine() (*Engine, *fakeSource, *Pool) {
	source := newFakeSource()
	pool := newTestPool()
	engine := NewEngine(relayConfig(), source, pool, nil, nil, zerolog.Nop())
	return engine, source, pool
}

func TestTargetBitrateTable(t *testing.T) {
	engine, _, _ := newTestEngine()

	cases := map[int]int{
		0:  192,
		1:  192,
		5:  192,
		6:  184,
		10: 160,
		15: 128,
		30: 128,
	}
	for n, want := range cases {
		if got := engine.TargetBitrate(n); got != want {
			t.Fatalf("TargetBitrate(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestBroadcastTickAccounting(t *testing.T) {
	engine, _, pool := newTestEngine()
	for i := 0; i < 3; i++ {
		pool.Register("mp3")
	}

	chunk := make([]byte, 1024)
	result := engine.broadcast(chunk)

	if result.Success != 3 || result.Fail != 0 {
		t.Fatalf("unexpected tick result: %+v", result)
	}
	if result.Success+result.Fail != len(pool.Snapshot()) {
		t.Fatal("success+fail must cover the snapshot")
	}
	for _, c := range pool.Snapshot() {
		if c.QueueLen() != 1 {
			t.Fatalf("every queue should have grown by one, got %d", c.QueueLen())
		}
	}
}

func TestThreeConsumersTenChunks(t *testing.T) {
	engine, _, pool := newTestEngine()
	for i := 0; i < 3; i++ {
		pool.Register("mp3")
	}

	chunk := make([]byte, 256*1024)
	for i := 0; i < 10; i++ {
		engine.broadcast(chunk)
	}

	for _, s := range pool.StatsSnapshot().Consumers {
		if s.ChunksReceived != 10 {
			t.Fatalf("consumer %s: expected 10 chunks, got %d", s.ID, s.ChunksReceived)
		}
		if s.BytesSent != 2_621_440 {
			t.Fatalf("consumer %s: expected 2621440 bytes, got %d", s.ID, s.BytesSent)
		}
	}
}

func TestBackpressureIsolatedPerConsumer(t *testing.T) {
	engine, _, pool := newTestEngine()
	healthy := pool.Register("mp3")

	// A consumer with a tiny queue that never drains.
	slow := pool.Register("mp3")
	slow.queue = make(chan []byte, 2)

	chunk := make([]byte, 512)
	var total TickResult
	for i := 0; i < 5; i++ {
		r := engine.broadcast(chunk)
		total.Success += r.Success
		total.Fail += r.Fail
	}

	slowStats := slow.summary()
	if slowStats.ChunksReceived != 2 {
		t.Fatalf("slow consumer should accept exactly 2, got %d", slowStats.ChunksReceived)
	}
	if slowStats.FailureStreak != 3 {
		t.Fatalf("expected failure streak 3, got %d", slowStats.FailureStreak)
	}

	healthyStats := healthy.summary()
	if healthyStats.ChunksReceived != 5 {
		t.Fatalf("healthy consumer must be unaffected, got %d", healthyStats.ChunksReceived)
	}

	if total.Fail != 3 {
		t.Fatalf("expected 3 aggregate failures, got %d", total.Fail)
	}
	if got := pool.StatsSnapshot().BroadcastFailures; got != 3 {
		t.Fatalf("aggregate failure counter mismatch: %d", got)
	}
}

func TestFailureStreakFlagsEviction(t *testing.T) {
	engine, _, pool := newTestEngine()
	c := pool.Register("mp3")
	c.queue = make(chan []byte, 1)

	chunk := make([]byte, 8)
	for i := 0; i < failureStreakLimit+1; i++ {
		engine.broadcast(chunk)
	}

	c.mu.Lock()
	flagged := c.evict
	c.mu.Unlock()
	if !flagged {
		t.Fatal("consumer over the streak limit must be flagged for eviction")
	}

	// Removal happens in the sweep, not mid-broadcast.
	if pool.Count() != 1 {
		t.Fatal("broadcast must not mutate the registry")
	}
	if removed := pool.CleanupStale(time.Hour); removed != 1 {
		t.Fatalf("sweep should remove the flagged consumer, removed %d", removed)
	}
}

func TestAttachStartsSourceWithAdvisoryBitrate(t *testing.T) {
	engine, source, pool := newTestEngine()

	c, err := engine.Attach("mp3")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if pool.Count() != 1 {
		t.Fatalf("expected registered consumer, count %d", pool.Count())
	}

	source.mu.Lock()
	starts := len(source.starts)
	first := source.starts[0]
	source.mu.Unlock()
	if starts != 1 {
		t.Fatalf("expected one source start, got %d", starts)
	}
	if first[0] != "mp3" || first[1] != 192 {
		t.Fatalf("unexpected start args: %v", first)
	}

	// A second consumer with a different preference must not restart the
	// live source.
	if _, err := engine.Attach("aac"); err != nil {
		t.Fatalf("attach second: %v", err)
	}
	source.mu.Lock()
	starts = len(source.starts)
	source.mu.Unlock()
	if starts != 1 {
		t.Fatalf("running source must not be restarted, got %d starts", starts)
	}

	engine.Detach(c.ID)
	if pool.Count() != 1 {
		t.Fatalf("detach should remove one consumer, count %d", pool.Count())
	}
}

func TestSourceRestartKeepsActiveFormat(t *testing.T) {
	engine, source, _ := newTestEngine()

	if _, err := engine.Attach("aac"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Encoder death while the consumer stays attached.
	source.mu.Lock()
	source.running = false
	source.mu.Unlock()

	engine.handleSourceError(context.Background(), ErrSourceNotRunning)

	source.mu.Lock()
	last := source.starts[len(source.starts)-1]
	source.mu.Unlock()
	if last[0] != "aac" {
		t.Fatalf("restart must keep the live format, got %v", last[0])
	}
}

func TestChunkSizeShrinksAboveFreeThreshold(t *testing.T) {
	engine, source, _ := newTestEngine()

	var ids []string
	for i := 0; i < 6; i++ {
		c, err := engine.Attach("mp3")
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
		ids = append(ids, c.ID)
	}

	source.mu.Lock()
	last := source.chunkSizes[len(source.chunkSizes)-1]
	source.mu.Unlock()
	if last != MinChunkSize {
		t.Fatalf("expected %d above the free threshold, got %d", MinChunkSize, last)
	}

	engine.Detach(ids[0])
	source.mu.Lock()
	last = source.chunkSizes[len(source.chunkSizes)-1]
	source.mu.Unlock()
	if last != MaxChunkSize {
		t.Fatalf("expected %d at the free threshold, got %d", MaxChunkSize, last)
	}
}

func TestKeepAlivePassSendsFillerOncePerInterval(t *testing.T) {
	engine, _, pool := newTestEngine()
	c := pool.Register("mp3")

	c.mu.Lock()
	c.lastRealData = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	now := time.Now()
	engine.keepAlivePass(now)
	if c.QueueLen() != 1 {
		t.Fatalf("expected one filler chunk, queue %d", c.QueueLen())
	}

	chunk, _ := c.TryDequeue()
	if len(chunk) == 0 || chunk[0] != 0xFF {
		t.Fatalf("filler must be a valid audio frame, got % x", chunk[:4])
	}

	// Within the class interval nothing further is sent.
	engine.keepAlivePass(now.Add(time.Second))
	if c.QueueLen() != 0 {
		t.Fatal("keep-alive must respect the class interval")
	}
}

func TestKeepAliveSkipsRecentlyFedConsumers(t *testing.T) {
	engine, _, pool := newTestEngine()
	c := pool.Register("mp3")

	engine.broadcast(make([]byte, 64))
	c.TryDequeue()

	engine.keepAlivePass(time.Now())
	if c.QueueLen() != 0 {
		t.Fatal("freshly fed consumer needs no filler")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	engine, source, _ := newTestEngine()
	source.running = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	source.chunks <- make([]byte, 32)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast loop did not stop on cancel")
	}
}
