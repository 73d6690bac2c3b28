/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models holds the track model shared by the player and the
// transport layer.
package models

import (
	"path/filepath"
	"strings"
	"time"
)

// SongKind discriminates local files from network streams.
type SongKind string

const (
	SongLocal  SongKind = "local"
	SongStream SongKind = "stream"
)

// Song is one playable track. Incoming metadata from external collaborators
// is normalized into this shape exactly once (see Normalize); the rest of
// the codebase never re-derives the kind from field probing.
type Song struct {
	Kind     SongKind
	URL      string  // local path or stream URL
	Title    string
	Duration float64 // seconds, 0 when unknown
	Source   string  // original type tag from the caller (e.g. "youtube")
	AddedAt  time.Time
}

// IsLocal reports whether the song is a local file.
func (s Song) IsLocal() bool { return s.Kind == SongLocal }

// IsStream reports whether the song is a network stream.
func (s Song) IsStream() bool { return s.Kind == SongStream }

// Normalize builds a Song from the loosely-typed fields external callers
// submit. A "youtube" type tag or an http(s) URL makes it a stream;
// everything else is a local file path.
func Normalize(url, title, kind string, duration float64) Song {
	url = strings.TrimSpace(url)
	title = strings.TrimSpace(title)

	isStream := kind == "youtube" || kind == "stream" ||
		strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")

	song := Song{
		URL:      url,
		Title:    title,
		Duration: duration,
		Source:   kind,
		AddedAt:  time.Now(),
	}

	if isStream {
		song.Kind = SongStream
		if song.Source == "" || song.Source == "local" {
			song.Source = "stream"
		}
		if song.Title == "" {
			song.Title = url
		}
		return song
	}

	song.Kind = SongLocal
	song.Source = "local"
	if song.Title == "" {
		base := filepath.Base(url)
		song.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return song
}

// Meta renders the song for status payloads.
func (s Song) Meta() map[string]any {
	if s.URL == "" {
		return map[string]any{}
	}
	return map[string]any{
		"url":      s.URL,
		"title":    s.Title,
		"type":     s.Source,
		"duration": s.Duration,
		"ts":       s.AddedAt.Unix(),
	}
}
