/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	// Playback process (mpv) configuration
	MPVBin         string
	MPVPipePath    string        // IPC socket path handed to --input-ipc-server
	MPVStartupWait time.Duration // how long EnsureReady waits for the pipe
	RequestTimeout time.Duration // per-request reply timeout on the pipe

	// Capture/transcode process (ffmpeg) configuration
	FFmpegBin    string
	CaptureInput string // e.g. "default" for the pulse monitor device
	CaptureGrab  string // ffmpeg input format, e.g. "pulse", "dshow"
	StreamFormat string // default output container/codec for consumers

	// Relay tuning
	BaseBitrate   int // kbps used up to FreeListeners consumers
	MinBitrate    int // floor for the adaptive policy
	BitrateStep   int // kbps shed per consumer above FreeListeners
	FreeListeners int // consumer count served at BaseBitrate

	MediaRoot string // base directory for local track paths
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("CLUBCAST_ENV", "development"),
		HTTPBind:    getEnv("CLUBCAST_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("CLUBCAST_HTTP_PORT", 8080),

		MPVBin:         getEnv("CLUBCAST_MPV_BIN", "mpv"),
		MPVPipePath:    getEnv("CLUBCAST_MPV_PIPE", defaultPipePath()),
		MPVStartupWait: time.Duration(getEnvInt("CLUBCAST_MPV_STARTUP_WAIT_MS", 6000)) * time.Millisecond,
		RequestTimeout: time.Duration(getEnvInt("CLUBCAST_MPV_REQUEST_TIMEOUT_MS", 3000)) * time.Millisecond,

		FFmpegBin:    getEnv("CLUBCAST_FFMPEG_BIN", "ffmpeg"),
		CaptureInput: getEnv("CLUBCAST_CAPTURE_INPUT", "default"),
		CaptureGrab:  getEnv("CLUBCAST_CAPTURE_FORMAT", "pulse"),
		StreamFormat: getEnv("CLUBCAST_STREAM_FORMAT", "mp3"),

		BaseBitrate:   getEnvInt("CLUBCAST_BASE_BITRATE", 192),
		MinBitrate:    getEnvInt("CLUBCAST_MIN_BITRATE", 128),
		BitrateStep:   getEnvInt("CLUBCAST_BITRATE_STEP", 8),
		FreeListeners: getEnvInt("CLUBCAST_FREE_LISTENERS", 5),

		MediaRoot: getEnv("CLUBCAST_MEDIA_ROOT", "./music"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid CLUBCAST_HTTP_PORT: %d", c.HTTPPort)
	}
	if c.MinBitrate <= 0 || c.BaseBitrate < c.MinBitrate {
		return fmt.Errorf("invalid bitrate bounds: base=%d min=%d", c.BaseBitrate, c.MinBitrate)
	}
	if c.BitrateStep <= 0 {
		return fmt.Errorf("invalid CLUBCAST_BITRATE_STEP: %d", c.BitrateStep)
	}
	if c.FreeListeners < 0 {
		return fmt.Errorf("invalid CLUBCAST_FREE_LISTENERS: %d", c.FreeListeners)
	}
	if c.MPVPipePath == "" {
		return fmt.Errorf("CLUBCAST_MPV_PIPE must not be empty")
	}
	return nil
}

func defaultPipePath() string {
	if os.PathSeparator == '\\' {
		return `\\.\pipe\clubcast-mpv`
	}
	return "/tmp/clubcast-mpv.sock"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
