package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// streamPingInterval keeps the connection alive through intermediate
// proxies and lets the handler notice a dead client before its next write.
const streamPingInterval = 30 * time.Second

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalhostOrigin(origin)
	},
}

func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

// createTrafficStream implements create_traffic_stream (spec §6): it
// upgrades to a WebSocket and forwards every body-stripped transaction
// snapshot published to the Shared Fabric's single live subscriber until
// the client disconnects or a subsequent call to this endpoint replaces
// it (spec §9's single-subscriber open question).
func (s *Server) createTrafficStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("traffic stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.sink.CreateStream()

	go s.readDiscard(conn)

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced by a newer subscriber"))
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error("failed to marshal stream snapshot", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readDiscard drains and discards client frames so pong control frames are
// processed and a closed connection is detected promptly; this endpoint
// carries no client->server payload.
func (s *Server) readDiscard(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
