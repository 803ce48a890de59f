package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketOptions configures the WebSocket carrier.
type WebSocketOptions struct {
	URL     string
	Host    string
	Headers http.Header
}

// wsStream adapts gorilla/websocket's message-oriented *websocket.Conn to
// a byte stream: each Write becomes one binary frame, and Read drains the
// current frame before pulling the next one off the wire, matching how
// the pack's one real WebSocket-carrying dependency
// (github.com/gorilla/websocket) is used end to end elsewhere in the
// example corpus rather than mixed with a second framing library.
type wsStream struct {
	conn *websocket.Conn
	buf  []byte
}

func (s *wsStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) CloseWrite() error {
	return s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *wsStream) Close() error { return s.conn.Close() }

// DialWebSocket establishes a WebSocket connection and returns it as a
// ByteStream.
func DialWebSocket(ctx context.Context, opts WebSocketOptions) (*wsStream, error) {
	dialer := websocket.Dialer{}
	headers := opts.Headers
	if headers == nil {
		headers = http.Header{}
	}
	if opts.Host != "" {
		headers.Set("Host", opts.Host)
	}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return &wsStream{conn: conn}, nil
}
