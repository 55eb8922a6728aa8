package txn

import (
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/codec"
)

// Direction is which way a WebSocket message travelled through the tunnel.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "->"
	}
	return "<-"
}

// WebSocketMessage is one captured frame observed on a WEBSOCKET_TUNNEL
// direction. Fragmented messages are surfaced as separate frames tagged
// with their own Fin flag; no reassembly is performed.
type WebSocketMessage struct {
	ID             string       `json:"id"`
	ConnectionID   string       `json:"connection_id"`
	Direction      Direction    `json:"direction"`
	Opcode         codec.Opcode `json:"opcode"`
	Payload        []byte       `json:"payload"`
	PayloadLength  int          `json:"payload_length"`
	Timestamp      time.Time    `json:"timestamp"`
	Fin            bool         `json:"fin"`
}

// PayloadPreview returns up to n bytes of the payload rendered as a string,
// for presentation in a transaction list.
func (m *WebSocketMessage) PayloadPreview(n int) string {
	if len(m.Payload) <= n {
		return string(m.Payload)
	}
	return string(m.Payload[:n])
}
