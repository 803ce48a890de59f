// Package transport implements the carrier layer outbound protocol clients
// ride on: raw TCP dialing with socket-level tuning, TLS with fingerprint
// mimicry, H2, gRPC, QUIC and WebSocket framing, and a Happy Eyeballs
// dual-stack dialer.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// HappyEyeballsHeadStart is the delay before racing the IPv4 candidates
// behind the IPv6 ones, matching the IETF-procedure default spec.md names.
const HappyEyeballsHeadStart = 250 * time.Millisecond

// Dial is the per-candidate connect function DialHappyEyeballs races.
type Dial func(ctx context.Context, ip netip.Addr, port uint16) (net.Conn, error)

// DialHappyEyeballs races the given IP candidates, preferring IPv6: every
// v6 candidate is dialed immediately, then after HappyEyeballsHeadStart the
// v4 candidates are dialed too (unless a connection has already won). The
// first successful dial wins; every other in-flight attempt is cancelled.
// ips may be in any order; this function partitions them itself.
func DialHappyEyeballs(ctx context.Context, ips []netip.Addr, port uint16, dial Dial) (net.Conn, error) {
	if len(ips) == 0 {
		return nil, fmt.Errorf("transport: no candidate addresses")
	}
	var v6, v4 []netip.Addr
	for _, ip := range ips {
		if ip.Is4() || ip.Is4In6() {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan result, len(ips))
	var wg sync.WaitGroup

	launch := func(batch []netip.Addr) {
		for _, ip := range batch {
			wg.Add(1)
			go func(ip netip.Addr) {
				defer wg.Done()
				conn, err := dial(raceCtx, ip, port)
				select {
				case resultCh <- result{conn, err}:
				case <-raceCtx.Done():
					if conn != nil {
						conn.Close()
					}
				}
			}(ip)
		}
	}

	launch(v6)
	v4Launched := false
	headStart := HappyEyeballsHeadStart
	if len(v6) == 0 {
		launch(v4)
		v4Launched = true
		headStart = 0
	}
	timer := time.NewTimer(headStart)
	defer timer.Stop()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var lastErr error
	pending := len(ips)
	if !v4Launched {
		pending = len(v6)
	}
	for {
		var timerCh <-chan time.Time
		if !v4Launched {
			timerCh = timer.C
		}
		select {
		case <-timerCh:
			v4Launched = true
			pending += len(v4)
			launch(v4)
		case res, ok := <-resultCh:
			if !ok {
				if lastErr == nil {
					lastErr = fmt.Errorf("transport: all dial attempts failed")
				}
				return nil, lastErr
			}
			if res.err == nil {
				cancel()
				return res.conn, nil
			}
			lastErr = res.err
			pending--
			if pending <= 0 {
				if v4Launched {
					return nil, lastErr
				}
				// every v6 candidate failed before the head start elapsed;
				// no point waiting out the timer, race v4 now.
				v4Launched = true
				pending = len(v4)
				launch(v4)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
