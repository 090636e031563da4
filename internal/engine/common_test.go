package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type mockPlacement struct {
	Symbol string
	Side   core.OrderSide
	Price  decimal.Decimal
	Qty    decimal.Decimal
	ID     int64
}

// mockGateway is an in-memory venue: placed orders rest on a book until
// cancelled or the test marks them filled.
type mockGateway struct {
	mu sync.Mutex

	info    *core.SymbolInfo
	price   decimal.Decimal
	account *core.Account
	klines  []*core.Kline

	nextID    int64
	placed    []mockPlacement
	open      map[int64]*core.VenueOrder
	queried   map[int64]*core.VenueOrder
	cancelled []int64

	placeErrs   []error // consumed one per PlaceLimit call
	cancelErr   error
	invalidated int

	// placeHook runs at PlaceLimit entry, outside the lock. Set before the
	// controller starts.
	placeHook   func()
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	streamStarted bool
	streamCb      func(*core.OrderUpdate)
}

func newMockGateway(info *core.SymbolInfo, price decimal.Decimal, account *core.Account) *mockGateway {
	return &mockGateway{
		info:    info,
		price:   price,
		account: account,
		open:    make(map[int64]*core.VenueOrder),
		queried: make(map[int64]*core.VenueOrder),
	}
}

func (m *mockGateway) SymbolInfo(_ context.Context, _ string) (*core.SymbolInfo, error) {
	return m.info, nil
}

func (m *mockGateway) InvalidateSymbol(_ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated++
}

func (m *mockGateway) Price(_ context.Context, _ string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, nil
}

func (m *mockGateway) setPrice(p decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.price = p
}

func (m *mockGateway) Klines(_ context.Context, _, _ string, _ int) ([]*core.Kline, error) {
	return m.klines, nil
}

func (m *mockGateway) AccountInfo(_ context.Context) (*core.Account, error) {
	return m.account, nil
}

func (m *mockGateway) PlaceLimit(_ context.Context, symbol string, side core.OrderSide, price, qty decimal.Decimal) (int64, error) {
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		max := m.maxInFlight.Load()
		if cur <= max || m.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if m.placeHook != nil {
		m.placeHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return 0, err
		}
	}

	m.nextID++
	id := m.nextID
	m.placed = append(m.placed, mockPlacement{Symbol: symbol, Side: side, Price: price, Qty: qty, ID: id})
	m.open[id] = &core.VenueOrder{
		VenueOrderID: id,
		Symbol:       symbol,
		Side:         side,
		Status:       core.OrderStatusNew,
		Price:        price,
		OrigQty:      qty,
		UpdateTime:   time.Now(),
	}
	return id, nil
}

func (m *mockGateway) Cancel(_ context.Context, _ string, venueOrderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, venueOrderID)
	delete(m.open, venueOrderID)
	return nil
}

func (m *mockGateway) QueryOrder(_ context.Context, _ string, venueOrderID int64) (*core.VenueOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vo, ok := m.queried[venueOrderID]; ok {
		return vo, nil
	}
	if vo, ok := m.open[venueOrderID]; ok {
		return vo, nil
	}
	return nil, apperrors.ErrOrderNotFound
}

func (m *mockGateway) OpenOrders(_ context.Context, _ string) ([]*core.VenueOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := make([]*core.VenueOrder, 0, len(m.open))
	for _, vo := range m.open {
		orders = append(orders, vo)
	}
	return orders, nil
}

func (m *mockGateway) StartUserStream(_ context.Context, cb func(*core.OrderUpdate)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamStarted = true
	m.streamCb = cb
	return nil
}

func (m *mockGateway) StopUserStream() {}

func (m *mockGateway) Close() {}

func (m *mockGateway) placements() []mockPlacement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockPlacement, len(m.placed))
	copy(out, m.placed)
	return out
}

// mockProvider hands the same gateway to every user.
type mockProvider struct {
	gw *mockGateway
}

func (p *mockProvider) Gateway(_ context.Context, _ string, _ bool) (core.IExchangeGateway, error) {
	return p.gw, nil
}

func (p *mockProvider) CloseUser(_ string) {}
func (p *mockProvider) CloseAll()          {}

func testSymbolInfo() *core.SymbolInfo {
	return &core.SymbolInfo{
		Symbol:      "BTCUSDT",
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		TickSize:    d("0.01"),
		StepSize:    d("0.00001"),
		MinQty:      d("0.00001"),
		MinNotional: d("5"),
	}
}

func testGridConfig() core.GridConfig {
	return core.GridConfig{
		UpperPrice:       d("110"),
		LowerPrice:       d("90"),
		GridLevels:       11,
		InvestmentAmount: d("1100"),
		ProfitPerGrid:    d("1"),
	}
}

func richAccount() *core.Account {
	return &core.Account{
		CanTrade: true,
		Balances: []core.Balance{
			{Asset: "USDT", Free: d("100000")},
			{Asset: "BTC", Free: d("0")},
		},
	}
}
