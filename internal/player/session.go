/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package player

import (
	"time"

	"github.com/friendsincode/clubcast/internal/models"
)

// Loop modes exposed to the transport layer. Mode 2 (loop the whole queue)
// is policy for the sequencing collaborator; the controller only records it.
const (
	LoopOff      = 0
	LoopSingle   = 1
	LoopPlaylist = 2
)

// Session is the playback state owned by the controller. All mutation
// happens under the controller's session lock.
type Session struct {
	Current       models.Song
	LoopMode      int
	PitchShift    int // semitones, -6..+6
	PlayStartedAt time.Time
	Ended         bool
}

// PlayerState mirrors the live properties of the playback process for
// status reporting. Zero values stand in when the process is unreachable.
type PlayerState struct {
	Paused   bool    `json:"paused"`
	TimePos  float64 `json:"time_pos"`
	Duration float64 `json:"duration"`
	Volume   float64 `json:"volume"`
}
