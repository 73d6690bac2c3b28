/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/clubcast/internal/config"
)

// Chunk size bounds for sequential reads of the encoder output.
const (
	MinChunkSize = 128 * 1024
	MaxChunkSize = 256 * 1024
)

// ErrSourceNotRunning is returned by ReadChunk when no encoder process is
// active.
var ErrSourceNotRunning = errors.New("relay: transcode source not running")

// AudioSource is the slice of the transcode source the broadcast engine
// depends on.
type AudioSource interface {
	Start(format string, bitrateKbps int) error
	ReadChunk(ctx context.Context) ([]byte, error)
	Running() bool
}

// launchFunc starts the encoder and returns its output stream plus a wait
// function that blocks until process exit. Tests substitute this.
type launchFunc func(format string, bitrateKbps int) (io.ReadCloser, func() error, error)

// Source supervises the external capture/encode process and owns its
// output handle.
type Source struct {
	cfg    *config.Config
	logger zerolog.Logger
	launch launchFunc

	mu        sync.Mutex
	running   bool
	format    string
	bitrate   int
	output    io.ReadCloser
	chunkSize int
}

// NewSource creates a source wired to the real ffmpeg binary.
func NewSource(cfg *config.Config, logger zerolog.Logger) *Source {
	s := &Source{
		cfg:       cfg,
		logger:    logger.With().Str("component", "transcode_source").Logger(),
		chunkSize: MaxChunkSize,
	}
	s.launch = s.launchFFmpeg
	return s
}

// Start launches the encoder for the given format/bitrate. It is a no-op
// while an instance is running: a later consumer's format preference never
// restarts or reconfigures the process under the feet of those already
// connected. The mismatch is logged, not raised.
func (s *Source) Start(format string, bitrateKbps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		if format != s.format || bitrateKbps != s.bitrate {
			s.logger.Warn().
				Str("active_format", s.format).Int("active_bitrate", s.bitrate).
				Str("requested_format", format).Int("requested_bitrate", bitrateKbps).
				Msg("ignoring reconfigure request while source is live")
		}
		return nil
	}

	output, wait, err := s.launch(format, bitrateKbps)
	if err != nil {
		return fmt.Errorf("start transcode source: %w", err)
	}

	s.output = output
	s.format = format
	s.bitrate = bitrateKbps
	s.running = true
	s.logger.Info().Str("format", format).Int("bitrate", bitrateKbps).Msg("transcode source started")

	go func() {
		err := wait()
		s.mu.Lock()
		s.running = false
		s.output = nil
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Msg("transcode source exited")
		} else {
			s.logger.Info().Msg("transcode source stopped")
		}
	}()

	return nil
}

// Running reports whether an encoder process is active.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Format returns the active output format, empty when stopped.
func (s *Source) Format() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ""
	}
	return s.format
}

// Bitrate returns the active encode bitrate in kbps.
func (s *Source) Bitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitrate
}

// SetChunkSize adjusts the sequential read size, clamped to the supported
// bounds.
func (s *Source) SetChunkSize(n int) {
	if n < MinChunkSize {
		n = MinChunkSize
	}
	if n > MaxChunkSize {
		n = MaxChunkSize
	}
	s.mu.Lock()
	s.chunkSize = n
	s.mu.Unlock()
}

// ChunkSize returns the current read size.
func (s *Source) ChunkSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkSize
}

// ReadChunk blocks until a full chunk of encoder output is available. A
// partial chunk is returned when the process exits mid-read; a cancelled
// context closes the output so the read never outlives the caller. Consumed
// exclusively by the broadcast engine's read loop.
func (s *Source) ReadChunk(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	output := s.output
	size := s.chunkSize
	s.mu.Unlock()

	if output == nil {
		return nil, ErrSourceNotRunning
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			output.Close()
		case <-done:
		}
	}()
	defer close(done)

	buf := make([]byte, size)
	n, err := io.ReadFull(output, buf)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcode output: %w", err)
	}
	return nil, io.EOF
}

// launchFFmpeg starts the real capture/encode process reading the
// configured audio input and writing the encoded stream to stdout.
func (s *Source) launchFFmpeg(format string, bitrateKbps int) (io.ReadCloser, func() error, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", s.cfg.CaptureGrab,
		"-i", s.cfg.CaptureInput,
		"-vn",
	}
	switch format {
	case "aac":
		args = append(args, "-acodec", "aac", "-b:a", fmt.Sprintf("%dk", bitrateKbps), "-f", "adts")
	default:
		args = append(args, "-acodec", "libmp3lame", "-b:a", fmt.Sprintf("%dk", bitrateKbps), "-f", "mp3")
	}
	args = append(args, "pipe:1")

	cmd := exec.Command(s.cfg.FFmpegBin, args...)
	cmd.Stderr = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	s.logger.Info().Int("pid", cmd.Process.Pid).Strs("args", args).Msg("encoder launched")
	return stdout, cmd.Wait, nil
}
