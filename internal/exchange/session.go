// Package exchange assembles per-user venue sessions from credentials,
// proxy slots and the shared venue clocks.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid_engine/internal/config"
	"grid_engine/internal/core"
	"grid_engine/internal/exchange/binance"
	"grid_engine/internal/exchange/clock"
	enginehttp "grid_engine/pkg/http"
)

type sessionKey struct {
	userID   string
	testMode bool
}

// SessionManager implements core.IGatewayProvider. Gateways are built on
// first use and cached; live and test mode get separate sessions because
// they are separate venues with separate clocks.
type SessionManager struct {
	cfg     *config.Config
	vault   core.ISecretVault
	proxies core.IProxyPool
	logger  core.ILogger

	liveClock *clock.Sync
	testClock *clock.Sync

	mu       sync.Mutex
	sessions map[sessionKey]core.IExchangeGateway
}

// NewSessionManager builds the manager and its shared venue clocks. Start
// must be called before gateways are handed out.
func NewSessionManager(cfg *config.Config, vault core.ISecretVault, proxies core.IProxyPool, logger core.ILogger) *SessionManager {
	interval := time.Duration(cfg.Timing.ClockSyncInterval) * time.Second
	timeout := cfg.Venue.RequestTimeoutDuration()

	liveTime := binance.NewServerTimeFunc(enginehttp.NewClient(cfg.Venue.RESTBaseURL(false), timeout, nil))
	testTime := binance.NewServerTimeFunc(enginehttp.NewClient(cfg.Venue.RESTBaseURL(true), timeout, nil))

	return &SessionManager{
		cfg:       cfg,
		vault:     vault,
		proxies:   proxies,
		logger:    logger.WithField("component", "session_manager"),
		liveClock: clock.NewSync(liveTime, interval, logger),
		testClock: clock.NewSync(testTime, interval, logger),
		sessions:  make(map[sessionKey]core.IExchangeGateway),
	}
}

// Start launches the venue clock sync loops. The test clock is best effort;
// a missing testnet must not block live trading.
func (m *SessionManager) Start(ctx context.Context) error {
	if err := m.liveClock.Start(ctx); err != nil {
		return fmt.Errorf("live venue clock sync failed: %w", err)
	}
	if m.cfg.Venue.TestRESTURL != "" {
		if err := m.testClock.Start(ctx); err != nil {
			m.logger.Warn("Test venue clock sync failed", "error", err)
		}
	}
	return nil
}

// Stop halts the clock loops and closes every session.
func (m *SessionManager) Stop() {
	m.liveClock.Stop()
	m.testClock.Stop()
	m.CloseAll()
}

// ClockHealth reports an error when the live venue clock has not resynced
// within maxAge. Signed requests drift outside the receive window when the
// sync loop stalls.
func (m *SessionManager) ClockHealth(maxAge time.Duration) error {
	last := m.liveClock.LastResync()
	if last.IsZero() {
		return fmt.Errorf("venue clock never synced")
	}
	if age := time.Since(last); age > maxAge {
		return fmt.Errorf("venue clock stale: last resync %s ago", age.Round(time.Second))
	}
	return nil
}

// Gateway returns the cached session for a user and mode, building it from
// vault credentials and a proxy slot on first use.
func (m *SessionManager) Gateway(ctx context.Context, userID string, testMode bool) (core.IExchangeGateway, error) {
	key := sessionKey{userID: userID, testMode: testMode}

	m.mu.Lock()
	if gw, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return gw, nil
	}
	m.mu.Unlock()

	creds, err := m.vault.Credentials(ctx, userID)
	if err != nil {
		return nil, err
	}

	proxyURL, err := m.proxies.Acquire(userID)
	if err != nil {
		return nil, err
	}

	venueClock := m.liveClock
	if testMode {
		venueClock = m.testClock
	}

	gw, err := binance.NewGateway(binance.Options{
		UserID:            userID,
		Credentials:       creds,
		RESTBaseURL:       m.cfg.Venue.RESTBaseURL(testMode),
		StreamBaseURL:     m.cfg.Venue.StreamBaseURL(testMode),
		RequestTimeout:    m.cfg.Venue.RequestTimeoutDuration(),
		RecvWindow:        m.cfg.Venue.RecvWindow,
		SymbolCacheTTL:    time.Duration(m.cfg.Timing.SymbolCacheTTL) * time.Second,
		KeepaliveInterval: time.Duration(m.cfg.Timing.ListenKeyKeepaliveInterval) * time.Second,
		Clock:             venueClock,
		Proxies:           m.proxies,
		ProxyURL:          proxyURL,
		Logger:            m.logger,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have built the session concurrently; keep the
	// first one.
	if existing, ok := m.sessions[key]; ok {
		gw.Close()
		return existing, nil
	}
	m.sessions[key] = gw
	return gw, nil
}

// CloseUser tears down the user's sessions and frees their proxy slot.
func (m *SessionManager) CloseUser(userID string) {
	m.mu.Lock()
	for key, gw := range m.sessions {
		if key.userID == userID {
			gw.Close()
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	m.proxies.Release(userID)
}

// CloseAll tears down every session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, gw := range m.sessions {
		gw.Close()
		delete(m.sessions, key)
	}
}
