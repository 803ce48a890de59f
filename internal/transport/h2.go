package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"

	"golang.org/x/net/http2"
)

// H2Options configures the H2 carrier: a single long-lived POST whose
// bidirectional body IS the byte stream, per spec.md §4.5.
type H2Options struct {
	Host string
	Path string
	ALPN bool
}

// h2Stream adapts one POST request/response body pair to session.ByteStream.
type h2Stream struct {
	reqBodyW *io.PipeWriter
	respBody io.ReadCloser
	closeW   func() error
}

func (s *h2Stream) Read(p []byte) (int, error)  { return s.respBody.Read(p) }
func (s *h2Stream) Write(p []byte) (int, error) { return s.reqBodyW.Write(p) }
func (s *h2Stream) CloseWrite() error           { return s.closeW() }
func (s *h2Stream) Close() error {
	s.reqBodyW.Close()
	return s.respBody.Close()
}

// DialH2 opens conn as an H2 connection (already TLS- or plaintext-
// established by the caller) and issues the tunnel POST, returning its
// body pair as a ByteStream once headers come back.
func DialH2(ctx context.Context, conn net.Conn, opts H2Options) (*h2Stream, error) {
	t := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			return conn, nil
		},
	}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: h2 client conn: %w", err)
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+opts.Host+opts.Path, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := cc.RoundTrip(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case resp := <-respCh:
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("transport: h2 tunnel status %d", resp.StatusCode)
		}
		return &h2Stream{
			reqBodyW: pw,
			respBody: resp.Body,
			closeW:   func() error { return pw.Close() },
		}, nil
	case err := <-errCh:
		return nil, fmt.Errorf("transport: h2 tunnel: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
