package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"grid_engine/internal/core"
	"grid_engine/internal/exchange/clock"
	apperrors "grid_engine/pkg/errors"
	"grid_engine/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateway(t *testing.T, baseURL string, cl *clock.Sync) *Gateway {
	t.Helper()
	gw, err := NewGateway(Options{
		UserID:      "user-1",
		Credentials: &core.Credentials{APIKey: "test-key", SecretKey: "test-secret"},
		RESTBaseURL: baseURL,
		RecvWindow:  5000,
		Clock:       cl,
		Logger:      logging.Nop(),
	})
	require.NoError(t, err)
	return gw
}

func TestCallResyncsClockOnTimestampSkew(t *testing.T) {
	var accountCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("signature"))

		if atomic.AddInt32(&accountCalls, 1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
			return
		}
		_, _ = w.Write([]byte(`{"canTrade":true,"balances":[{"asset":"USDT","free":"100","locked":"0"}]}`))
	}))
	defer srv.Close()

	var resyncs int32
	cl := clock.NewSync(func(_ context.Context) (int64, error) {
		atomic.AddInt32(&resyncs, 1)
		return time.Now().UnixMilli(), nil
	}, time.Hour, logging.Nop())

	gw := testGateway(t, srv.URL, cl)

	account, err := gw.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.True(t, account.CanTrade)

	// One skew rejection, one resync against the venue, one retried call.
	assert.Equal(t, int32(2), atomic.LoadInt32(&accountCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&resyncs))
}

func TestCallSurfacesPersistentTimestampSkew(t *testing.T) {
	var accountCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&accountCalls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
	}))
	defer srv.Close()

	cl := clock.NewSync(func(_ context.Context) (int64, error) {
		return time.Now().UnixMilli(), nil
	}, time.Hour, logging.Nop())

	gw := testGateway(t, srv.URL, cl)

	_, err := gw.AccountInfo(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrTimestampSkew)
	// The skew heal runs at most once per call.
	assert.Equal(t, int32(2), atomic.LoadInt32(&accountCalls))
}

func TestProxyProbeRequiresVenueAnswer(t *testing.T) {
	var status int32 = http.StatusOK
	// The server plays the proxy: it receives the absolute-URI request the
	// probe routes through it.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		_, _ = fmt.Fprint(w, `{"symbols":[]}`)
	}))
	defer srv.Close()

	probe := NewProxyProbe("http://venue.test", 2*time.Second)

	require.NoError(t, probe(context.Background(), srv.URL))

	atomic.StoreInt32(&status, http.StatusForbidden)
	assert.Error(t, probe(context.Background(), srv.URL))
}
