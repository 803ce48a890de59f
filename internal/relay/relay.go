// Package relay implements the bidirectional byte-copy loop that moves
// data between an inbound client stream and an outbound stream once the
// dispatcher has routed and connected a session.
package relay

import (
	"errors"
	"io"
	"sync"
	"time"

	"proxykernel/internal/session"
)

// DefaultBufferSize is the per-direction copy buffer size.
const DefaultBufferSize = 16 * 1024

// Counters receives byte totals as each direction makes progress. Either
// field may be nil.
type Counters struct {
	Upload   func(n int64)
	Download func(n int64)
}

// Limiters optionally throttles each direction. Either field may be nil.
type Limiters struct {
	Upload   *TokenBucket
	Download *TokenBucket
}

// Run copies bytes between client and remote until both directions have
// reached EOF or either direction hits a fatal I/O error. The upload half
// (client -> remote) shuts down remote's write half on a clean client EOF;
// the download half (remote -> client) shuts down client's write half on
// a clean remote EOF. A fatal error on either half cancels the other by
// closing both streams outright.
func Run(client, remote session.ByteStream, counters Counters, limiters Limiters) error {
	var wg sync.WaitGroup
	wg.Add(2)

	errs := make([]error, 2)

	go func() {
		defer wg.Done()
		errs[0] = copyDirection(remote, client, counters.Upload, limiters.Upload)
	}()
	go func() {
		defer wg.Done()
		errs[1] = copyDirection(client, remote, counters.Download, limiters.Download)
	}()

	wg.Wait()

	for _, err := range errs {
		if err != nil && !isCleanClose(err) {
			return err
		}
	}
	return nil
}

// copyDirection copies from src to dst, shutting down dst's write half on
// a clean EOF from src. On any other error it closes both streams so the
// peer goroutine unblocks instead of waiting out its own read or write.
func copyDirection(dst, src session.ByteStream, onBytes func(int64), limiter *TokenBucket) error {
	buf := make([]byte, DefaultBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := writeAll(dst, buf[:n], onBytes, limiter); err != nil {
				_ = src.Close()
				_ = dst.Close()
				return err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				_ = dst.CloseWrite()
				return nil
			}
			_ = src.Close()
			_ = dst.Close()
			return rerr
		}
	}
}

// writeAll writes p to dst in full, honoring the rate limiter by issuing
// shorter writes rather than blocking inside TryConsume.
func writeAll(dst session.ByteStream, p []byte, onBytes func(int64), limiter *TokenBucket) error {
	for len(p) > 0 {
		chunk := p
		if limiter != nil {
			allowed := limiter.TryConsume(int64(len(p)))
			if allowed == 0 {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if allowed < int64(len(p)) {
				chunk = p[:allowed]
			}
		}
		n, err := dst.Write(chunk)
		if n > 0 && onBytes != nil {
			onBytes(int64(n))
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
