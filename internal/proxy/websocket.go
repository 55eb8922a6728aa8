package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aman-shahid/cheddarproxy/internal/codec"
	"github.com/aman-shahid/cheddarproxy/internal/txn"
)

// wsMaxPayload bounds a single captured WebSocket frame's payload (spec
// §4.9): larger frames still forward byte-for-byte, they just aren't
// parsed into a WebSocketMessage.
const wsMaxPayload = 256 * 1024

// runWebSocketTunnel implements WEBSOCKET_TUNNEL (spec §4.9): once a 101
// Switching Protocols response has been forwarded, the connection
// carries WebSocket frames in both directions until either side closes.
// Bytes are always forwarded immediately; frame parsing is best-effort
// and purely for capture, so a parse failure never stalls the tunnel.
func (p *MITMProxy) runWebSocketTunnel(clientConn, upstreamConn net.Conn, transactionID string) {
	p.trackConn(clientConn)
	p.trackConn(upstreamConn)
	defer p.untrackConn(clientConn)
	defer p.untrackConn(upstreamConn)

	p.tunnelWg.Add(1)
	defer p.tunnelWg.Done()

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			clientConn.Close()
			upstreamConn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.pumpWebSocketDirection(clientConn, upstreamConn, transactionID, txn.ClientToServer)
		closeAll()
	}()
	go func() {
		defer wg.Done()
		p.pumpWebSocketDirection(upstreamConn, clientConn, transactionID, txn.ServerToClient)
		closeAll()
	}()
	wg.Wait()
}

// pumpWebSocketDirection copies bytes from src to dst immediately while
// incrementally parsing complete frames out of a growing buffer, logging
// each one to the WebSocket message log.
func (p *MITMProxy) pumpWebSocketDirection(src, dst net.Conn, transactionID string, dir txn.Direction) {
	buf := make([]byte, 0, 64*1024)
	read := make([]byte, 32*1024)
	for {
		_ = src.SetReadDeadline(time.Now().Add(defaultIdleTimeout))
		n, err := src.Read(read)
		if n > 0 {
			chunk := read[:n]
			if _, werr := dst.Write(chunk); werr != nil {
				return
			}
			buf = append(buf, chunk...)
			buf = p.drainWSFrames(buf, transactionID, dir)
		}
		if err != nil {
			return
		}
	}
}

// drainWSFrames parses as many complete frames as buf currently holds,
// logging each, and returns the unconsumed remainder. A frame whose
// payload exceeds wsMaxPayload is still forwarded (already copied to dst
// by the caller) but is not logged.
func (p *MITMProxy) drainWSFrames(buf []byte, transactionID string, dir txn.Direction) []byte {
	for {
		frame, consumed, err := codec.ParseFrame(buf)
		if err == codec.ErrIncomplete {
			return buf
		}
		if err != nil {
			// A reserved/unrecognized opcode: stop trying to parse this
			// stream further rather than mis-resync on garbage offsets.
			return nil
		}

		if len(frame.Payload) <= wsMaxPayload {
			id, uerr := uuid.NewV7()
			idStr := id.String()
			if uerr != nil {
				idStr = transactionID
			}
			p.wsMessages.Push(&txn.WebSocketMessage{
				ID:            idStr,
				ConnectionID:  transactionID,
				Direction:     dir,
				Opcode:        frame.Opcode,
				Payload:       frame.Payload,
				PayloadLength: len(frame.Payload),
				Timestamp:     time.Now(),
				Fin:           frame.Fin,
			})
		}

		buf = buf[consumed:]
		if len(buf) == 0 {
			return buf
		}
	}
}
