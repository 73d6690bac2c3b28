/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/friendsincode/clubcast/internal/models"
	"github.com/friendsincode/clubcast/internal/player"
)

func contentTypeFor(format string) string {
	if format == "aac" {
		return "audio/aac"
	}
	return "audio/mpeg"
}

// handleStream attaches the client to the relay and pumps chunks until the
// connection drops. Keep-alive filler arrives through the same queue, so
// the loop itself never needs an idle timer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = s.cfg.StreamFormat
	}

	consumer, err := s.engine.Attach(format)
	if err != nil {
		s.logger.Error().Err(err).Msg("stream attach failed")
		http.Error(w, "stream source unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.engine.Detach(consumer.ID)

	w.Header().Set("Content-Type", contentTypeFor(format))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("icy-name", "clubcast")
	w.Header().Set("icy-br", strconv.Itoa(s.cfg.BaseBitrate))
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		flusher = &rcFlusher{rc: http.NewResponseController(w)}
	}
	flusher.Flush()

	s.logger.Info().Str("consumer", consumer.ID).Str("format", format).Msg("stream client connected")

	for {
		chunk, err := consumer.Dequeue(r.Context())
		if err != nil {
			s.logger.Info().Str("consumer", consumer.ID).Msg("stream client disconnected")
			return
		}
		if _, err := w.Write(chunk); err != nil {
			s.logger.Info().Str("consumer", consumer.ID).Err(err).Msg("stream write failed")
			return
		}
		flusher.Flush()
	}
}

// rcFlusher adapts http.ResponseController for wrapped writers.
type rcFlusher struct {
	rc *http.ResponseController
}

func (f *rcFlusher) Flush() { _ = f.rc.Flush() }

type playRequest struct {
	URL      string  `json:"url"`
	Title    string  `json:"title"`
	Type     string  `json:"type"`
	Duration float64 `json:"duration"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	song := models.Normalize(req.URL, req.Title, req.Type, req.Duration)
	if err := s.player.Play(r.Context(), song); err != nil {
		s.playerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playing": song.Meta()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	paused, err := s.player.TogglePause(r.Context())
	if err != nil {
		s.playerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": paused})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent float64 `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		writeError(w, http.StatusBadRequest, "percent must be in 0..100")
		return
	}
	if err := s.player.Seek(r.Context(), req.Percent); err != nil {
		s.playerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"percent": req.Percent})
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode int `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.player.SetLoopMode(r.Context(), req.Mode); err != nil {
		if errors.Is(err, player.ErrProcessUnavailable) {
			s.playerError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": req.Mode})
}

func (s *Server) handlePitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Semitones int `json:"semitones"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	applied, err := s.player.SetPitch(r.Context(), req.Semitones)
	if err != nil {
		s.playerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"semitones": applied})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume float64 `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.player.SetVolume(r.Context(), req.Volume); err != nil {
		s.playerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"volume": req.Volume})
}

// handleStatus reports the session plus live process state. The process
// being down degrades the player block to defaults, it does not fail the
// request.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	session := s.player.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"current":     session.Current.Meta(),
		"loop_mode":   session.LoopMode,
		"pitch_shift": session.PitchShift,
		"ended":       session.Ended,
		"player":      s.player.State(r.Context()),
		"listeners":   s.engine.Pool().Count(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Pool().StatsSnapshot())
}

func (s *Server) playerError(w http.ResponseWriter, err error) {
	if errors.Is(err, player.ErrProcessUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "playback process unavailable")
		return
	}
	s.logger.Error().Err(err).Msg("player command failed")
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
