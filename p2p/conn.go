package p2p

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal duplex message-oriented channel the dispatcher
// needs, matching spec.md section 6's "WebSocket-like duplex
// channel". Narrowed to just WriteJSON/ReadJSON/Close so tests can
// substitute an in-memory fake without standing up a real socket.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// upgrader accepts inbound peer connections. EnableCompression turns
// on permessage-deflate, matching spec.md section 6's "optionally
// per-message-deflate compressed".
var upgrader = websocket.Upgrader{
	EnableCompression: true,
	HandshakeTimeout:  10 * time.Second,
	CheckOrigin:       func(*http.Request) bool { return true },
}

// Dialer connects outbound to a peer's handler endpoint.
var dialer = websocket.Dialer{
	EnableCompression: true,
	HandshakeTimeout:  10 * time.Second,
}

func dial(url string) (Conn, error) {
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	conn.EnableWriteCompression(true)
	return conn, nil
}

func upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.EnableWriteCompression(true)
	return conn, nil
}
