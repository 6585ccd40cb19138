package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"revnotify/internal/multicast"
)

// handleEvents upgrades to a WebSocket and streams hub events until the
// client goes away.  Client messages are ignored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	events, cancel := s.hub.Subscribe(multicast.WithMethods(methodFilter(r.URL.Query())...))
	logger := s.logger.With("ws", conn.RemoteAddr().String())
	logger.Verbose("event stream subscribed")

	waitDuration := 2 * s.ping
	conn.SetReadDeadline(time.Now().Add(waitDuration)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					logger.Verbose("event stream: pong timeout")
				} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Verbose("event stream read: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.ping)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
		logger.Verbose("event stream closed")
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("encoding %s event: %v", ev.Method, err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Verbose("event stream write: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
