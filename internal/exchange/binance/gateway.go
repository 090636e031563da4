// Package binance implements the venue gateway for Binance-style spot
// exchanges: signed REST, symbol metadata caching, clock-disciplined
// timestamps, proxy-bound egress and the user data stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"grid_engine/internal/core"
	"grid_engine/internal/exchange/clock"
	"grid_engine/internal/exchange/proxy"
	apperrors "grid_engine/pkg/errors"
	enginehttp "grid_engine/pkg/http"
	"grid_engine/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// signer adds venue authentication to a request: API key header plus an
// HMAC-SHA256 signature over the canonical query string. The timestamp comes
// from the shared venue clock, never the local one.
type signer struct {
	apiKey     string
	secretKey  string
	clock      *clock.Sync
	recvWindow int
}

func (s *signer) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	// Listen key endpoints authenticate by API key header alone and reject
	// signature parameters.
	if req.URL.Path == "/api/v3/userDataStream" {
		return nil
	}

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(s.clock.Timestamp(), 10))
	}
	if s.recvWindow > 0 && q.Get("recvWindow") == "" {
		q.Set("recvWindow", strconv.Itoa(s.recvWindow))
	}

	queryString := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(queryString))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()

	return nil
}

type symbolEntry struct {
	info      *core.SymbolInfo
	fetchedAt time.Time
}

// Options configures a per-user gateway.
type Options struct {
	UserID            string
	Credentials       *core.Credentials
	RESTBaseURL       string
	StreamBaseURL     string
	RequestTimeout    time.Duration
	RecvWindow        int // milliseconds
	SymbolCacheTTL    time.Duration
	KeepaliveInterval time.Duration
	Clock             *clock.Sync
	Proxies           core.IProxyPool
	ProxyURL          string
	Logger            core.ILogger
}

// Gateway implements core.IExchangeGateway for one user on one venue mode.
type Gateway struct {
	userID  string
	client  *enginehttp.Client
	opts    Options
	clock   *clock.Sync
	proxies core.IProxyPool
	logger  core.ILogger

	mu       sync.RWMutex
	proxyURL string
	symCache map[string]*symbolEntry

	stream *userStream
}

// NewGateway builds a gateway bound to the given credentials and egress
// proxy.
func NewGateway(opts Options) (*Gateway, error) {
	if opts.Credentials == nil {
		return nil, apperrors.ErrCredentialsMissing
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.SymbolCacheTTL == 0 {
		opts.SymbolCacheTTL = time.Hour
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 30 * time.Minute
	}

	sig := &signer{
		apiKey:     opts.Credentials.APIKey,
		secretKey:  opts.Credentials.SecretKey,
		clock:      opts.Clock,
		recvWindow: opts.RecvWindow,
	}

	client := enginehttp.NewClient(opts.RESTBaseURL, opts.RequestTimeout, sig)

	g := &Gateway{
		userID:   opts.UserID,
		client:   client,
		opts:     opts,
		clock:    opts.Clock,
		proxies:  opts.Proxies,
		logger:   opts.Logger.WithField("component", "gateway").WithField("user_id", opts.UserID),
		symCache: make(map[string]*symbolEntry),
	}

	if opts.ProxyURL != "" {
		if err := g.bindProxy(opts.ProxyURL); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func (g *Gateway) bindProxy(proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
	}
	g.mu.Lock()
	g.proxyURL = proxyURL
	stream := g.stream
	g.mu.Unlock()

	g.client.SetProxy(u)
	if stream != nil {
		stream.SetProxy(u)
	}
	return nil
}

// call performs one REST call with the gateway's two self-healing retries:
// a clock resync on timestamp skew, and a proxy rebind on proxy-attributable
// failures. Each heals at most once per call.
func (g *Gateway) call(ctx context.Context, method, path string, params map[string]string, w enginehttp.Weight, signed bool) ([]byte, error) {
	raw, err := g.exec(ctx, method, path, params, w, signed)
	if err == nil {
		return raw, nil
	}
	mapped := mapAPIError(err)

	if errors.Is(mapped, apperrors.ErrTimestampSkew) {
		g.logger.Warn("Timestamp rejected, resyncing venue clock", "path", path)
		if rerr := g.clock.Resync(ctx); rerr == nil {
			raw, err = g.exec(ctx, method, path, params, w, signed)
			if err == nil {
				return raw, nil
			}
			mapped = mapAPIError(err)
		}
	}

	status := 0
	if apiErr, ok := asAPIError(err); ok {
		status = apiErr.StatusCode
	}
	if kind, attributable := proxy.ClassifyError(err, status); attributable && g.proxies != nil {
		g.mu.RLock()
		current := g.proxyURL
		g.mu.RUnlock()
		if current != "" {
			g.proxies.Report(g.userID, current, kind)
			if next, aerr := g.proxies.Acquire(g.userID); aerr == nil && next != "" && next != current {
				if berr := g.bindProxy(next); berr == nil {
					g.logger.Warn("Rebound egress proxy", "kind", string(kind), "path", path)
					raw, err = g.exec(ctx, method, path, params, w, signed)
					if err == nil {
						return raw, nil
					}
					mapped = mapAPIError(err)
				}
			}
		}
	}

	return nil, mapped
}

func (g *Gateway) exec(ctx context.Context, method, path string, params map[string]string, w enginehttp.Weight, signed bool) ([]byte, error) {
	switch method {
	case http.MethodGet:
		return g.client.Get(ctx, path, params, w, signed)
	case http.MethodPost:
		return g.client.Post(ctx, path, params, w, signed)
	case http.MethodPut:
		return g.client.Put(ctx, path, params, w, signed)
	case http.MethodDelete:
		return g.client.Delete(ctx, path, params, w, signed)
	}
	return nil, fmt.Errorf("unsupported method %s", method)
}

// SymbolInfo returns cached symbol metadata, refreshing it past the TTL.
func (g *Gateway) SymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	g.mu.RLock()
	entry, ok := g.symCache[symbol]
	g.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < g.opts.SymbolCacheTTL {
		return entry.info, nil
	}

	info, err := g.fetchSymbolInfo(ctx, symbol)
	if err != nil {
		// Serve a stale entry over failing outright.
		if ok {
			return entry.info, nil
		}
		return nil, err
	}

	g.mu.Lock()
	g.symCache[symbol] = &symbolEntry{info: info, fetchedAt: time.Now()}
	g.mu.Unlock()
	return info, nil
}

// InvalidateSymbol drops the cached metadata so the next SymbolInfo call
// refetches. Called after a filter rejection that suggests stale filters.
func (g *Gateway) InvalidateSymbol(symbol string) {
	g.mu.Lock()
	delete(g.symCache, symbol)
	g.mu.Unlock()
}

func (g *Gateway) fetchSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	raw, err := g.call(ctx, http.MethodGet, "/api/v3/exchangeInfo",
		map[string]string{"symbol": symbol}, enginehttp.WeightHeavy, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			Status            string `json:"status"`
			BaseAsset         string `json:"baseAsset"`
			QuoteAsset        string `json:"quoteAsset"`
			PricePrecision    int    `json:"quotePrecision"`
			QuantityPrecision int    `json:"baseAssetPrecision"`
			Filters           []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse exchange info: %w", err)
	}
	if len(resp.Symbols) == 0 {
		return nil, apperrors.ErrSymbolUnknown
	}

	s := resp.Symbols[0]
	info := &core.SymbolInfo{
		Symbol:            s.Symbol,
		BaseAsset:         s.BaseAsset,
		QuoteAsset:        s.QuoteAsset,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			info.TickSize, _ = decimal.NewFromString(f.TickSize)
		case "LOT_SIZE":
			info.StepSize, _ = decimal.NewFromString(f.StepSize)
			info.MinQty, _ = decimal.NewFromString(f.MinQty)
		case "NOTIONAL", "MIN_NOTIONAL":
			info.MinNotional, _ = decimal.NewFromString(f.MinNotional)
		}
	}
	return info, nil
}

// Price returns the latest traded price for a symbol.
func (g *Gateway) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	raw, err := g.call(ctx, http.MethodGet, "/api/v3/ticker/price",
		map[string]string{"symbol": symbol}, enginehttp.WeightLight, false)
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ticker: %w", err)
	}
	return decimal.NewFromString(resp.Price)
}

// Klines returns recent candles, oldest first.
func (g *Gateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]*core.Kline, error) {
	raw, err := g.call(ctx, http.MethodGet, "/api/v3/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}, enginehttp.WeightHeavy, false)
	if err != nil {
		return nil, err
	}

	// Kline rows are heterogeneous arrays: millisecond timestamps as
	// numbers, prices as strings.
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse klines: %w", err)
	}

	klines := make([]*core.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		k := &core.Kline{OpenTime: time.UnixMilli(openTime)}
		fields := []*decimal.Decimal{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		ok := true
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				ok = false
				break
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				ok = false
				break
			}
			*dst = d
		}
		if ok {
			klines = append(klines, k)
		}
	}
	return klines, nil
}

// AccountInfo returns the account snapshot with per-asset balances.
func (g *Gateway) AccountInfo(ctx context.Context) (*core.Account, error) {
	raw, err := g.call(ctx, http.MethodGet, "/api/v3/account", nil, enginehttp.WeightHeavy, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		CanTrade bool `json:"canTrade"`
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}

	account := &core.Account{CanTrade: resp.CanTrade}
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		account.Balances = append(account.Balances, core.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
		})
	}
	return account, nil
}

// PlaceLimit places a GTC limit order and returns the venue order id.
func (g *Gateway) PlaceLimit(ctx context.Context, symbol string, side core.OrderSide, price, qty decimal.Decimal) (int64, error) {
	raw, err := g.call(ctx, http.MethodPost, "/api/v3/order", map[string]string{
		"symbol":      symbol,
		"side":        string(side),
		"type":        "LIMIT",
		"timeInForce": "GTC",
		"price":       price.String(),
		"quantity":    qty.String(),
	}, enginehttp.WeightOrder, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse order response: %w", err)
	}

	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1)
	return resp.OrderID, nil
}

// Cancel cancels a resting order. Cancelling an order the venue no longer
// knows is not an error; the order is gone either way.
func (g *Gateway) Cancel(ctx context.Context, symbol string, venueOrderID int64) error {
	_, err := g.call(ctx, http.MethodDelete, "/api/v3/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(venueOrderID, 10),
	}, enginehttp.WeightOrder, true)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil
	}
	return err
}

// QueryOrder fetches the authoritative state of one order.
func (g *Gateway) QueryOrder(ctx context.Context, symbol string, venueOrderID int64) (*core.VenueOrder, error) {
	raw, err := g.call(ctx, http.MethodGet, "/api/v3/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(venueOrderID, 10),
	}, enginehttp.WeightOrder, true)
	if err != nil {
		return nil, err
	}

	var resp rawOrder
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse order: %w", err)
	}
	return resp.toVenueOrder(), nil
}

// OpenOrders lists the orders resting on the book for a symbol.
func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]*core.VenueOrder, error) {
	raw, err := g.call(ctx, http.MethodGet, "/api/v3/openOrders", map[string]string{
		"symbol": symbol,
	}, enginehttp.WeightHeavy, true)
	if err != nil {
		return nil, err
	}

	var resp []rawOrder
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse open orders: %w", err)
	}

	orders := make([]*core.VenueOrder, len(resp))
	for i := range resp {
		orders[i] = resp[i].toVenueOrder()
	}
	return orders, nil
}

// Close stops the user stream and releases the gateway's resources.
func (g *Gateway) Close() {
	g.StopUserStream()
}

type rawOrder struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	CumQuoteQty string `json:"cummulativeQuoteQty"`
	UpdateTime  int64  `json:"updateTime"`
	Time        int64  `json:"time"`
}

func (r *rawOrder) toVenueOrder() *core.VenueOrder {
	price, _ := decimal.NewFromString(r.Price)
	origQty, _ := decimal.NewFromString(r.OrigQty)
	execQty, _ := decimal.NewFromString(r.ExecutedQty)
	cumQuote, _ := decimal.NewFromString(r.CumQuoteQty)

	updated := r.UpdateTime
	if updated == 0 {
		updated = r.Time
	}

	return &core.VenueOrder{
		VenueOrderID: r.OrderID,
		Symbol:       r.Symbol,
		Side:         mapOrderSide(r.Side),
		Status:       mapOrderStatus(r.Status),
		Price:        price,
		OrigQty:      origQty,
		ExecutedQty:  execQty,
		CumQuoteQty:  cumQuote,
		UpdateTime:   time.UnixMilli(updated),
	}
}

// NewServerTimeFunc returns a clock.ServerTimeFunc over the venue's public
// time endpoint. The client needs no credentials.
func NewServerTimeFunc(client *enginehttp.Client) clock.ServerTimeFunc {
	return func(ctx context.Context) (int64, error) {
		raw, err := client.Get(ctx, "/api/v3/time", nil, enginehttp.WeightLight, false)
		if err != nil {
			return 0, mapAPIError(err)
		}
		var resp struct {
			ServerTime int64 `json:"serverTime"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return 0, fmt.Errorf("failed to parse server time: %w", err)
		}
		return resp.ServerTime, nil
	}
}
