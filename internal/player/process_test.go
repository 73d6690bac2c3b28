package player

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/config"
)

// fakePlayerBin writes a script that ignores its arguments and idles, the
// way the real binary does with --idle=yes.
func fakePlayerBin(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fakeplayer")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return bin
}

func TestLaunchedProcessOutlivesCallerContext(t *testing.T) {
	cfg := &config.Config{
		MPVBin:      fakePlayerBin(t),
		MPVPipePath: filepath.Join(t.TempDir(), "pipe.sock"),
	}
	proc := newProcess(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := proc.Launch(ctx); err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() { _ = proc.cmd.Process.Kill() })

	// The launching request finishing must not take the player with it.
	cancel()

	select {
	case <-proc.done:
		t.Fatal("playback process died with the launching context")
	case <-time.After(500 * time.Millisecond):
	}

	if err := proc.cmd.Process.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-proc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after kill")
	}
}

func TestLaunchRefusesCancelledContext(t *testing.T) {
	cfg := &config.Config{
		MPVBin:      fakePlayerBin(t),
		MPVPipePath: filepath.Join(t.TempDir(), "pipe.sock"),
	}
	proc := newProcess(cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := proc.Launch(ctx); err == nil {
		t.Fatal("expected error launching with a finished context")
	}
}
