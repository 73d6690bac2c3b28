/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/config"
)

// process launches and tracks the external playback binary. Launch is
// idempotent: a still-running instance is left alone.
type process struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func newProcess(cfg *config.Config, logger zerolog.Logger) *process {
	return &process{cfg: cfg, logger: logger}
}

// Launch starts the playback binary in idle mode with its IPC server on the
// configured pipe. No-op while a previous launch is still running.
//
// ctx gates starting only. The process itself is deliberately not bound to
// it: launches happen inside short-lived HTTP requests, and the player must
// outlive the request that happened to start it.
func (p *process) Launch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.done != nil {
		select {
		case <-p.done:
			// Previous process has exited, ok to start a new one.
		default:
			return nil
		}
	}

	cmd := exec.Command(p.cfg.MPVBin,
		"--input-ipc-server="+p.cfg.MPVPipePath,
		"--idle=yes",
		"--force-window=no",
		"--no-video",
		"--no-terminal",
	)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.MPVBin, err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	p.logger.Info().Int("pid", cmd.Process.Pid).Msg("playback process launched")

	go func(done chan struct{}, c *exec.Cmd) {
		err := c.Wait()
		close(done)
		if err != nil {
			p.logger.Warn().Err(err).Msg("playback process exited")
		} else {
			p.logger.Info().Msg("playback process stopped")
		}
	}(p.done, cmd)

	return nil
}
