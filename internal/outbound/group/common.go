// Package group implements the four proxy-group outbound variants:
// selector, url-test, fallback, and load-balance. Each forwards Connect to
// one of its member tags, resolved at construction time against the
// Manager so a group can itself be a member of another group.
package group

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"proxykernel/internal/addr"
	"proxykernel/internal/outbound"
	"proxykernel/internal/session"
)

// healthPool bounds the total concurrency of all groups' background health
// checks, so many groups probing at once never stampede the network. One
// pool is shared process-wide via the package-level default below.
type healthPool struct {
	sem chan struct{}
}

func newHealthPool(concurrency int) *healthPool {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &healthPool{sem: make(chan struct{}, concurrency)}
}

func (p *healthPool) run(fn func()) {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		fn()
	}()
}

var defaultPool = newHealthPool(8)

func resolveMembers(deps outbound.Deps, tags []string) ([]outbound.Handler, error) {
	members := make([]outbound.Handler, 0, len(tags))
	for _, tag := range tags {
		h, ok := deps.Manager.Get(tag)
		if !ok {
			return nil, fmt.Errorf("group: member tag %q not found", tag)
		}
		members = append(members, h)
	}
	return members, nil
}

func parseProbeTarget(rawURL string) (addr.Address, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return addr.Address{}, err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	var p int
	fmt.Sscanf(port, "%d", &p)
	return addr.NewDomain(host, uint16(p))
}

// probeLatency performs an HTTP GET against rawURL through member's
// Connect and returns the elapsed time until a response status line is
// read, or an error if the member is unreachable or the probe doesn't
// complete within timeout. Writing the request and reading the response
// directly over the member's ByteStream avoids needing an http.Client
// whose RoundTripper assumes pooled net.Conn dialing.
func probeLatency(ctx context.Context, member outbound.Handler, rawURL string, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := parseProbeTarget(rawURL)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	stream, err := member.Connect(ctx, &session.Session{Target: target, Network: addr.TCP})
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Host = target.Domain
	if err := req.Write(stream); err != nil {
		return 0, err
	}

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.ReadResponse(bufio.NewReader(stream), req)
		if err == nil {
			resp.Body.Close()
		}
		done <- result{err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return 0, r.err
		}
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
