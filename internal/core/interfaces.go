// Package core defines the domain types and interfaces for the grid engine.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchangeGateway is a per-user interface to one venue. Implementations
// handle request signing, clock offsets, proxy binding and rate limiting;
// callers see only venue semantics.
type IExchangeGateway interface {
	// Market data
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	InvalidateSymbol(symbol string)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]*Kline, error)

	// Account
	AccountInfo(ctx context.Context) (*Account, error)

	// Orders
	PlaceLimit(ctx context.Context, symbol string, side OrderSide, price, qty decimal.Decimal) (int64, error)
	Cancel(ctx context.Context, symbol string, venueOrderID int64) error
	QueryOrder(ctx context.Context, symbol string, venueOrderID int64) (*VenueOrder, error)
	OpenOrders(ctx context.Context, symbol string) ([]*VenueOrder, error)

	// User data stream. The callback runs on the stream goroutine; it must
	// hand off quickly.
	StartUserStream(ctx context.Context, callback func(*OrderUpdate)) error
	StopUserStream()

	Close()
}

// IGatewayProvider resolves the exchange session for a user, creating it on
// first use (vault credentials + proxy slot).
type IGatewayProvider interface {
	Gateway(ctx context.Context, userID string, testMode bool) (IExchangeGateway, error)
	CloseUser(userID string)
	CloseAll()
}

// IBotStore is the durable record store for bots and their projections.
// SaveBot persists the whole bot document (embedded orders, stats, recovery
// history) atomically.
type IBotStore interface {
	SaveBot(ctx context.Context, bot *Bot) error
	GetBot(ctx context.Context, botID string) (*Bot, error)
	DeleteBot(ctx context.Context, botID string) error
	ListBots(ctx context.Context, userID string) ([]*Bot, error)
	ListBotsByState(ctx context.Context, state BotState) ([]*Bot, error)

	SavePerformance(ctx context.Context, snap *PerformanceSnapshot) error
	GetPerformance(ctx context.Context, botID string) (*PerformanceSnapshot, error)

	AppendKeyAudit(ctx context.Context, ev *KeyAuditEvent) error
	ListKeyAudit(ctx context.Context, userID string, limit int) ([]*KeyAuditEvent, error)
}

// ISecretVault returns plaintext venue credentials for a user. The engine
// holds the result only for the duration of a session build.
type ISecretVault interface {
	Credentials(ctx context.Context, userID string) (*Credentials, error)
}

// IParameterOracle advises grid parameters from recent market data. It is
// advisory only; its output goes through the same validation as user input.
type IParameterOracle interface {
	Advise(ctx context.Context, req *AdviceRequest) (*OracleAdvice, error)
}

// IProxyPool assigns egress proxies to users. Assignments are sticky until a
// failure is reported; cooled-down proxies return only after a probe.
type IProxyPool interface {
	Acquire(userID string) (string, error)
	Report(userID, proxyURL string, kind ProxyFailure)
	Release(userID string)
}

// ComponentHealth is one component's latest check result.
type ComponentHealth struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	Snapshot() map[string]ComponentHealth
	IsHealthy() bool
}

// ILogger is the structured logging interface used across the engine.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
