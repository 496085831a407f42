package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shutterbus/funkgw/state"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the gateway lives on a trusted LAN; the API token is the gate
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsMessage struct {
	Type     string                `json:"type"`
	Channels []state.ChannelStatus `json:"channels,omitempty"`
	Channel  *state.ChannelStatus  `json:"channel,omitempty"`
}

// handleWS streams store events: one snapshot message on connect, then
// one status message per change.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("ws: upgrade failed")
		return
	}
	defer conn.Close()

	id, events := s.store.Subscribe()
	defer s.store.Unsubscribe(id)

	// reader only watches for close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(m wsMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(m); err != nil {
			s.log.Debug().Err(err).Msg("ws: write failed")
			return false
		}
		return true
	}

	if !send(wsMessage{Type: "snapshot", Channels: s.store.Snapshot()}) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(wsMessage{Type: "status", Channel: &ev}) {
				return
			}
		}
	}
}
