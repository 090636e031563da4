// Package proxy manages the shared pool of egress proxies. Venue sessions
// stick to one proxy until a proxy-attributable failure is reported; the
// failed proxy cools down and the user moves to the next healthy one.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/telemetry"
)

// ProbeFunc checks whether a proxy endpoint is usable again. The default
// probe opens a TCP connection to the proxy itself.
type ProbeFunc func(ctx context.Context, proxyURL string) error

type proxyState struct {
	url        string
	failures   int
	cooldownTo time.Time

	// needsProbe is set on every reported failure and cleared only by a
	// successful recovery probe. A proxy whose cooldown lapsed but that has
	// not been probed since its last failure is still unhealthy.
	needsProbe bool
}

func (p *proxyState) healthy(now time.Time) bool {
	return now.After(p.cooldownTo) && !p.needsProbe
}

// Pool implements core.IProxyPool with sticky assignment and exponential
// failure cooldowns.
type Pool struct {
	mu          sync.Mutex
	proxies     []*proxyState
	assignments map[string]int // userID -> proxies index
	next        int            // round-robin cursor

	cooldownInitial time.Duration
	cooldownMax     time.Duration
	probe           ProbeFunc
	logger          core.ILogger

	now func() time.Time
}

// NewPool creates a proxy pool over the given endpoint URLs. An empty
// endpoint list yields a pool whose Acquire always returns direct egress.
func NewPool(endpoints []string, cooldownInitial, cooldownMax time.Duration, logger core.ILogger) *Pool {
	states := make([]*proxyState, 0, len(endpoints))
	for _, e := range endpoints {
		states = append(states, &proxyState{url: e})
	}
	return &Pool{
		proxies:         states,
		assignments:     make(map[string]int),
		cooldownInitial: cooldownInitial,
		cooldownMax:     cooldownMax,
		probe:           defaultProbe,
		logger:          logger.WithField("component", "proxy_pool"),
		now:             time.Now,
	}
}

// SetProbe overrides the recovery probe.
func (p *Pool) SetProbe(probe ProbeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probe = probe
}

// Acquire returns the user's assigned proxy URL, assigning one round-robin
// on first use. An empty string means direct egress (pool configured with no
// proxies). Returns ErrNoHealthyProxy when every proxy is cooling down.
func (p *Pool) Acquire(userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return "", nil
	}

	now := p.now()
	if idx, ok := p.assignments[userID]; ok {
		if p.proxies[idx].healthy(now) {
			return p.proxies[idx].url, nil
		}
		// Sticky slot is cooling down; fall through to reassign.
		delete(p.assignments, userID)
	}

	idx, ok := p.pickHealthy(now)
	if !ok {
		return "", apperrors.ErrNoHealthyProxy
	}
	p.assignments[userID] = idx
	return p.proxies[idx].url, nil
}

// Report records a proxy-attributable failure. The proxy enters cooldown and
// the user is reassigned to the next healthy proxy on the next Acquire.
func (p *Pool) Report(userID, proxyURL string, kind core.ProxyFailure) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexOf(proxyURL)
	if idx < 0 {
		return
	}

	st := p.proxies[idx]
	st.failures++
	st.needsProbe = true
	cooldown := p.cooldownInitial
	for i := 1; i < st.failures; i++ {
		cooldown *= 2
		if cooldown >= p.cooldownMax {
			cooldown = p.cooldownMax
			break
		}
	}
	st.cooldownTo = p.now().Add(cooldown)

	if cur, ok := p.assignments[userID]; ok && cur == idx {
		delete(p.assignments, userID)
	}

	telemetry.GetGlobalMetrics().ProxyFailoversTotal.Add(context.Background(), 1)
	p.logger.Warn("Proxy marked unhealthy",
		"proxy", proxyURL, "kind", string(kind),
		"failures", st.failures, "cooldown", cooldown.String())
}

// Release drops the user's sticky assignment.
func (p *Pool) Release(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.assignments, userID)
}

// Recover probes failed proxies whose cooldown has lapsed and restores the
// ones that respond. A proxy rejoins the healthy set only through a
// successful probe here; cooldown expiry alone is not enough. Intended to
// run on a periodic tick.
func (p *Pool) Recover(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]*proxyState, 0)
	now := p.now()
	for _, st := range p.proxies {
		if !st.needsProbe || !now.After(st.cooldownTo) {
			continue
		}
		candidates = append(candidates, st)
	}
	probe := p.probe
	p.mu.Unlock()

	for _, st := range candidates {
		if err := probe(ctx, st.url); err != nil {
			p.logger.Debug("Proxy probe failed", "proxy", st.url, "error", err)
			continue
		}
		p.mu.Lock()
		st.failures = 0
		st.needsProbe = false
		st.cooldownTo = time.Time{}
		p.mu.Unlock()
		p.logger.Info("Proxy recovered", "proxy", st.url)
	}
}

// pickHealthy advances the round-robin cursor to the next healthy proxy.
// Caller holds the lock.
func (p *Pool) pickHealthy(now time.Time) (int, bool) {
	n := len(p.proxies)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if p.proxies[idx].healthy(now) {
			p.next = (idx + 1) % n
			return idx, true
		}
	}
	return 0, false
}

func (p *Pool) indexOf(proxyURL string) int {
	for i, st := range p.proxies {
		if st.url == proxyURL {
			return i
		}
	}
	return -1
}

func defaultProbe(ctx context.Context, proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ClassifyError maps a transport error or HTTP status to a proxy failure
// kind. The bool result reports whether the failure is proxy-attributable at
// all.
func ClassifyError(err error, statusCode int) (core.ProxyFailure, bool) {
	switch statusCode {
	case http.StatusUnavailableForLegalReasons, http.StatusForbidden:
		return core.ProxyFailureRegionBlock, true
	case http.StatusTooManyRequests:
		return core.ProxyFailureRateLimit, true
	}
	if err == nil {
		return "", false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return core.ProxyFailureDNS, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return core.ProxyFailureTimeout, true
		}
		return core.ProxyFailureConnectRefused, true
	}
	return "", false
}
