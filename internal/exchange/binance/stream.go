package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"grid_engine/internal/core"
	enginehttp "grid_engine/pkg/http"
	"grid_engine/pkg/telemetry"
	enginews "grid_engine/pkg/websocket"

	"github.com/shopspring/decimal"
)

// userStream manages the user data stream: listen key lifecycle, the
// reconnecting socket and event parsing.
type userStream struct {
	gw       *Gateway
	ws       *enginews.Client
	callback func(*core.OrderUpdate)

	mu        sync.Mutex
	listenKey string

	cancel context.CancelFunc
}

// StartUserStream opens the user data stream and delivers normalized order
// updates to the callback. The callback runs on the stream goroutine.
func (g *Gateway) StartUserStream(ctx context.Context, callback func(*core.OrderUpdate)) error {
	g.mu.Lock()
	if g.stream != nil {
		g.mu.Unlock()
		return fmt.Errorf("user stream already running")
	}
	s := &userStream{gw: g, callback: callback}
	g.stream = s
	proxyURL := g.proxyURL
	g.mu.Unlock()

	// Fail fast on bad credentials before spinning up the socket.
	if _, err := s.createListenKey(ctx); err != nil {
		g.mu.Lock()
		g.stream = nil
		g.mu.Unlock()
		return err
	}

	s.ws = enginews.NewClient(s.resolveURL, s.handleMessage, g.logger)
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			s.ws.SetProxy(u)
		}
	}

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.keepaliveLoop(keepaliveCtx)

	s.ws.Start()
	return nil
}

// StopUserStream closes the socket and the listen key on the venue.
func (g *Gateway) StopUserStream() {
	g.mu.Lock()
	s := g.stream
	g.stream = nil
	g.mu.Unlock()

	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.ws != nil {
		s.ws.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeListenKey(ctx)
}

// SetProxy reroutes future reconnects through the given proxy.
func (s *userStream) SetProxy(u *url.URL) {
	if s.ws != nil {
		s.ws.SetProxy(u)
	}
}

// resolveURL mints a fresh listen key for each connection attempt. A key the
// venue expired during a disconnect would otherwise leave the socket deaf.
func (s *userStream) resolveURL(ctx context.Context) (string, error) {
	key, err := s.createListenKey(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/ws/%s", s.gw.opts.StreamBaseURL, key), nil
}

func (s *userStream) createListenKey(ctx context.Context) (string, error) {
	raw, err := s.gw.client.Post(ctx, "/api/v3/userDataStream",
		map[string]string{}, enginehttp.WeightLight, true)
	if err != nil {
		return "", mapAPIError(err)
	}

	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to parse listen key: %w", err)
	}

	s.mu.Lock()
	s.listenKey = resp.ListenKey
	s.mu.Unlock()
	return resp.ListenKey, nil
}

func (s *userStream) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.gw.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			key := s.listenKey
			s.mu.Unlock()
			if key == "" {
				continue
			}
			_, err := s.gw.call(ctx, http.MethodPut, "/api/v3/userDataStream",
				map[string]string{"listenKey": key}, enginehttp.WeightLight, true)
			if err != nil {
				s.gw.logger.Warn("Listen key keepalive failed", "error", err)
			}
		}
	}
}

func (s *userStream) closeListenKey(ctx context.Context) {
	s.mu.Lock()
	key := s.listenKey
	s.listenKey = ""
	s.mu.Unlock()
	if key == "" {
		return
	}
	if _, err := s.gw.exec(ctx, http.MethodDelete, "/api/v3/userDataStream",
		map[string]string{"listenKey": key}, enginehttp.WeightLight, true); err != nil {
		s.gw.logger.Debug("Listen key close failed", "error", err)
	}
}

func (s *userStream) handleMessage(message []byte) {
	var event struct {
		Event           string `json:"e"`
		EventTime       int64  `json:"E"`
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		Price           string `json:"p"`
		CumQty          string `json:"z"`
		CumQuoteQty     string `json:"Z"`
		LastPrice       string `json:"L"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		TransactTime    int64  `json:"T"`
	}

	if err := json.Unmarshal(message, &event); err != nil {
		s.gw.logger.Error("Failed to unmarshal user stream event", "error", err)
		return
	}
	if event.Event != "executionReport" {
		return
	}

	price, _ := decimal.NewFromString(event.Price)
	cumQty, _ := decimal.NewFromString(event.CumQty)
	cumQuote, _ := decimal.NewFromString(event.CumQuoteQty)
	lastPrice, _ := decimal.NewFromString(event.LastPrice)
	commission, _ := decimal.NewFromString(event.Commission)

	// Average executed price from cumulative quote volume; single-fill
	// reports fall back to the last fill price.
	execPrice := lastPrice
	if cumQty.IsPositive() && cumQuote.IsPositive() {
		execPrice = cumQuote.Div(cumQty)
	}

	update := &core.OrderUpdate{
		UserID:          s.gw.userID,
		Symbol:          event.Symbol,
		VenueOrderID:    event.OrderID,
		Side:            mapOrderSide(event.Side),
		Status:          mapOrderStatus(event.Status),
		Price:           price,
		ExecutedQty:     cumQty,
		ExecutedPrice:   execPrice,
		Commission:      commission,
		CommissionAsset: event.CommissionAsset,
		EventTime:       time.UnixMilli(event.EventTime),
	}

	telemetry.GetGlobalMetrics().FillEventsTotal.Add(context.Background(), 1)
	s.callback(update)
}
