package webserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsMaxInbound  = 4096
	closeGoingMsg = "relay shutting down"
)

// handleWS upgrades the request and streams hub events as JSON text frames.
// The protocol is one-directional: inbound frames are read only to service
// pongs and detect a dead peer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws: upgrade failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	c := s.hub.Register("websocket")
	defer s.hub.Unregister(c)
	s.logger.Debug("ws: connected", "client", c.ID, "subject", subjectFrom(r.Context()), "remote", r.RemoteAddr)

	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		conn.SetReadLimit(wsMaxInbound)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e := <-c.Events():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("ws: write failed", "client", c.ID, "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, closeGoingMsg)
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
			return
		case <-peerGone:
			return
		}
	}
}
