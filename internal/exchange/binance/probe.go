package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"grid_engine/internal/exchange/proxy"
)

// probeSymbol keeps the exchangeInfo response small; any listed symbol works.
const probeSymbol = "BTCUSDT"

// NewProxyProbe returns a recovery probe that fetches venue metadata through
// the candidate proxy. A proxy only counts as recovered when the venue
// answers through it; a TCP handshake with the proxy alone proves nothing
// about region blocks or venue-side bans.
func NewProxyProbe(restBaseURL string, timeout time.Duration) proxy.ProbeFunc {
	return func(ctx context.Context, proxyURL string) error {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
		}

		client := &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(u),
				DisableKeepAlives: true,
			},
		}
		defer client.CloseIdleConnections()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			restBaseURL+"/api/v3/exchangeInfo?symbol="+probeSymbol, nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("venue returned status %d through proxy", resp.StatusCode)
		}
		return nil
	}
}
