/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"net/http"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/clubcast/internal/events"
)

// stateMessage is the websocket frame pushed to UI clients.
type stateMessage struct {
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Data  events.Payload `json:"data"`
}

// handleStateSocket streams state_update frames for playback and listener
// transitions. One subscriber set per connection; a slow client loses
// frames at the bus rather than backing up the publishers.
func (s *Server) handleStateSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	nowPlaying := s.bus.Subscribe(events.EventNowPlaying)
	trackEnded := s.bus.Subscribe(events.EventTrackEnded)
	playback := s.bus.Subscribe(events.EventPlaybackState)
	listeners := s.bus.Subscribe(events.EventListenerStats)
	defer func() {
		s.bus.Unsubscribe(events.EventNowPlaying, nowPlaying)
		s.bus.Unsubscribe(events.EventTrackEnded, trackEnded)
		s.bus.Unsubscribe(events.EventPlaybackState, playback)
		s.bus.Unsubscribe(events.EventListenerStats, listeners)
	}()

	session := s.player.Snapshot()
	initial := stateMessage{
		Type:  "state_update",
		Event: "init",
		Data: events.Payload{
			"current_meta": session.Current.Meta(),
			"loop_mode":    session.LoopMode,
			"pitch_shift":  session.PitchShift,
			"listeners":    s.engine.Pool().Count(),
		},
	}
	if err := s.writeState(ctx, conn, initial); err != nil {
		return
	}

	// Reads are drained so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		var msg stateMessage
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return
		case payload := <-nowPlaying:
			msg = stateMessage{Type: "state_update", Event: string(events.EventNowPlaying), Data: payload}
		case payload := <-trackEnded:
			msg = stateMessage{Type: "state_update", Event: string(events.EventTrackEnded), Data: payload}
		case payload := <-playback:
			msg = stateMessage{Type: "state_update", Event: string(events.EventPlaybackState), Data: payload}
		case payload := <-listeners:
			msg = stateMessage{Type: "state_update", Event: string(events.EventListenerStats), Data: payload}
		}
		if err := s.writeState(ctx, conn, msg); err != nil {
			s.logger.Debug().Err(err).Msg("websocket write failed, client disconnected")
			return
		}
	}
}

func (s *Server) writeState(ctx context.Context, conn *ws.Conn, msg stateMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, body)
}
