package engine

import (
	"sort"
	"time"

	"grid_engine/internal/core"

	"github.com/shopspring/decimal"
)

// ComputePerformance derives the performance projection from the bot's order
// history. It is a pure function of the orders and the mark price: replaying
// the same history yields the identical projection.
func ComputePerformance(bot *core.Bot, markPrice decimal.Decimal) *core.PerformanceSnapshot {
	var filledBuys, filledSells []*core.Order
	for _, o := range bot.Orders {
		if o.Status != core.OrderStatusFilled {
			continue
		}
		switch o.Side {
		case core.OrderSideBuy:
			filledBuys = append(filledBuys, o)
		case core.OrderSideSell:
			filledSells = append(filledSells, o)
		}
	}

	sortByFillTime(filledBuys)
	sortByFillTime(filledSells)

	pairedBuy := make(map[string]bool)
	pairedSell := make(map[string]bool)
	var pairs []core.PairedTrade

	// Pass 1: explicit parent links.
	for _, sell := range filledSells {
		if sell.ParentLocalID == "" {
			continue
		}
		buy := bot.FindOrder(sell.ParentLocalID)
		if buy == nil || buy.Status != core.OrderStatusFilled {
			continue
		}
		pairs = append(pairs, makePair(buy, sell))
		pairedBuy[buy.LocalID] = true
		pairedSell[sell.LocalID] = true
	}

	// Pass 2: FIFO among the rest. Earliest profitable SELL at or after the
	// BUY's fill time.
	for _, buy := range filledBuys {
		if pairedBuy[buy.LocalID] {
			continue
		}
		for _, sell := range filledSells {
			if pairedSell[sell.LocalID] || sell.ParentLocalID != "" {
				continue
			}
			if sell.FilledAt.Before(buy.FilledAt) {
				continue
			}
			if !sell.ExecutedPrice.GreaterThan(buy.ExecutedPrice) {
				continue
			}
			pairs = append(pairs, makePair(buy, sell))
			pairedBuy[buy.LocalID] = true
			pairedSell[sell.LocalID] = true
			break
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if !pairs[i].ClosedAt.Equal(pairs[j].ClosedAt) {
			return pairs[i].ClosedAt.Before(pairs[j].ClosedAt)
		}
		return pairs[i].SellLocalID < pairs[j].SellLocalID
	})

	snap := &core.PerformanceSnapshot{
		BotID:          bot.ID,
		MarkPrice:      markPrice,
		Pairs:          pairs,
		ProfitPerDay:   make(map[string]decimal.Decimal),
		ProfitPerLevel: make(map[int]decimal.Decimal),
		ComputedAt:     time.Now(),
	}

	winning := 0
	for i, p := range pairs {
		snap.RealizedPnL = snap.RealizedPnL.Add(p.Profit)
		if p.Profit.IsPositive() {
			winning++
		}
		if i == 0 || p.Profit.GreaterThan(snap.BestTrade) {
			snap.BestTrade = p.Profit
		}
		if i == 0 || p.Profit.LessThan(snap.WorstTrade) {
			snap.WorstTrade = p.Profit
		}
		day := p.ClosedAt.UTC().Format("2006-01-02")
		snap.ProfitPerDay[day] = snap.ProfitPerDay[day].Add(p.Profit)
		snap.ProfitPerLevel[p.GridLevel] = snap.ProfitPerLevel[p.GridLevel].Add(p.Profit)
	}
	snap.TradeCount = len(pairs)
	if len(pairs) > 0 {
		snap.WinRate = decimal.NewFromInt(int64(winning)).
			Div(decimal.NewFromInt(int64(len(pairs)))).
			Mul(decimal.NewFromInt(100)).Round(2)
	}

	// Pass 3: unpaired orders carry unrealized PnL at the mark, net of the
	// entry commission already paid. Unpaired SELLs are effectively short and
	// surfaced as a diagnostic.
	for _, buy := range filledBuys {
		if pairedBuy[buy.LocalID] {
			continue
		}
		snap.UnpairedBuys++
		if markPrice.IsPositive() {
			snap.UnrealizedPnL = snap.UnrealizedPnL.Add(
				markPrice.Sub(buy.ExecutedPrice).Mul(buy.ExecutedQty).Sub(buy.Commission))
		}
	}
	for _, sell := range filledSells {
		if pairedSell[sell.LocalID] {
			continue
		}
		snap.UnpairedSells++
		if markPrice.IsPositive() {
			snap.UnrealizedPnL = snap.UnrealizedPnL.Add(
				sell.ExecutedPrice.Sub(markPrice).Mul(sell.ExecutedQty).Sub(sell.Commission))
		}
	}

	return snap
}

func makePair(buy, sell *core.Order) core.PairedTrade {
	qty := decimal.Min(buy.ExecutedQty, sell.ExecutedQty)
	commissions := buy.Commission.Add(sell.Commission)
	return core.PairedTrade{
		BuyLocalID:  buy.LocalID,
		SellLocalID: sell.LocalID,
		GridLevel:   buy.GridLevel,
		Quantity:    qty,
		BuyPrice:    buy.ExecutedPrice,
		SellPrice:   sell.ExecutedPrice,
		Profit:      sell.ExecutedPrice.Sub(buy.ExecutedPrice).Mul(qty).Sub(commissions),
		ClosedAt:    sell.FilledAt,
	}
}

func sortByFillTime(orders []*core.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].FilledAt.Equal(orders[j].FilledAt) {
			return orders[i].FilledAt.Before(orders[j].FilledAt)
		}
		return orders[i].LocalID < orders[j].LocalID
	})
}
