package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(endpoints ...string) *Pool {
	return NewPool(endpoints, 10*time.Second, 5*time.Minute, logging.Nop())
}

func TestAcquireIsSticky(t *testing.T) {
	p := newTestPool("http://p1:8080", "http://p2:8080")

	first, err := p.Acquire("user-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := p.Acquire("user-1")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAcquireRoundRobinsAcrossUsers(t *testing.T) {
	p := newTestPool("http://p1:8080", "http://p2:8080")

	a, err := p.Acquire("user-a")
	require.NoError(t, err)
	b, err := p.Acquire("user-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEmptyPoolMeansDirectEgress(t *testing.T) {
	p := newTestPool()
	got, err := p.Acquire("user-1")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestReportReassignsUser(t *testing.T) {
	p := newTestPool("http://p1:8080", "http://p2:8080")

	first, err := p.Acquire("user-1")
	require.NoError(t, err)

	p.Report("user-1", first, core.ProxyFailureTimeout)

	next, err := p.Acquire("user-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
}

func TestAllCoolingDownReturnsErrNoHealthyProxy(t *testing.T) {
	p := newTestPool("http://p1:8080")

	url, err := p.Acquire("user-1")
	require.NoError(t, err)
	p.Report("user-1", url, core.ProxyFailureConnectRefused)

	_, err = p.Acquire("user-1")
	assert.ErrorIs(t, err, apperrors.ErrNoHealthyProxy)
}

func TestCooldownExpiryAloneDoesNotRestore(t *testing.T) {
	p := newTestPool("http://p1:8080")

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	p.Report("user-1", "http://p1:8080", core.ProxyFailureRegionBlock)

	// Hours past the cooldown, but no probe has passed: still unhealthy.
	p.now = func() time.Time { return base.Add(6 * time.Hour) }
	_, err := p.Acquire("user-1")
	assert.ErrorIs(t, err, apperrors.ErrNoHealthyProxy)
}

func TestCooldownDoublesPerFailure(t *testing.T) {
	p := newTestPool("http://p1:8080")
	probed := 0
	p.SetProbe(func(_ context.Context, _ string) error {
		probed++
		return nil
	})

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	// Two failures back to back: 20s cooldown. Recover must not probe the
	// proxy before the cooldown lapses.
	p.Report("user-1", "http://p1:8080", core.ProxyFailureTimeout)
	p.Report("user-1", "http://p1:8080", core.ProxyFailureTimeout)

	p.now = func() time.Time { return base.Add(11 * time.Second) }
	p.Recover(context.Background())
	assert.Equal(t, 0, probed)

	p.now = func() time.Time { return base.Add(21 * time.Second) }
	p.Recover(context.Background())
	assert.Equal(t, 1, probed)

	_, err := p.Acquire("user-1")
	require.NoError(t, err)
}

func TestCooldownIsCapped(t *testing.T) {
	p := newTestPool("http://p1:8080")
	p.SetProbe(func(_ context.Context, _ string) error { return nil })

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	for i := 0; i < 20; i++ {
		p.Report("user-1", "http://p1:8080", core.ProxyFailureTimeout)
	}

	// Past the 5 minute max the proxy is probe-eligible again.
	p.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	p.Recover(context.Background())
	_, err := p.Acquire("user-1")
	require.NoError(t, err)
}

func TestRecoverClearsFailures(t *testing.T) {
	p := newTestPool("http://p1:8080")
	p.SetProbe(func(_ context.Context, _ string) error { return nil })

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	p.Report("user-1", "http://p1:8080", core.ProxyFailureTimeout)
	p.Report("user-1", "http://p1:8080", core.ProxyFailureTimeout)

	p.now = func() time.Time { return base.Add(time.Hour) }
	p.Recover(context.Background())

	// Failure count reset: a fresh failure starts at the initial 10s
	// cooldown, not the 40s a third consecutive failure would carry.
	p.now = func() time.Time { return base.Add(2 * time.Hour) }
	p.Report("user-1", "http://p1:8080", core.ProxyFailureTimeout)
	probed := 0
	p.SetProbe(func(_ context.Context, _ string) error {
		probed++
		return nil
	})
	p.now = func() time.Time { return base.Add(2*time.Hour + 11*time.Second) }
	p.Recover(context.Background())
	assert.Equal(t, 1, probed)
	_, err := p.Acquire("user-1")
	require.NoError(t, err)
}

func TestRecoverSkipsFailedProbe(t *testing.T) {
	p := newTestPool("http://p1:8080")
	p.SetProbe(func(_ context.Context, _ string) error { return errors.New("still down") })

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	p.Report("user-1", "http://p1:8080", core.ProxyFailureTimeout)

	// Cooldown long lapsed, but the probe keeps failing: the proxy never
	// rejoins the healthy set.
	p.now = func() time.Time { return base.Add(time.Hour) }
	p.Recover(context.Background())
	p.Recover(context.Background())

	_, err := p.Acquire("user-1")
	assert.ErrorIs(t, err, apperrors.ErrNoHealthyProxy)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		wantKind   core.ProxyFailure
		wantMatch  bool
	}{
		{"region block 451", nil, http.StatusUnavailableForLegalReasons, core.ProxyFailureRegionBlock, true},
		{"region block 403", nil, http.StatusForbidden, core.ProxyFailureRegionBlock, true},
		{"rate limit", nil, http.StatusTooManyRequests, core.ProxyFailureRateLimit, true},
		{"dns failure", &net.DNSError{Name: "proxy.invalid"}, 0, core.ProxyFailureDNS, true},
		{"timeout", timeoutErr{}, 0, core.ProxyFailureTimeout, true},
		{"refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, 0, core.ProxyFailureConnectRefused, true},
		{"plain error not attributable", errors.New("boom"), 0, "", false},
		{"ok response", nil, http.StatusOK, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := ClassifyError(tt.err, tt.statusCode)
			assert.Equal(t, tt.wantMatch, ok)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}
