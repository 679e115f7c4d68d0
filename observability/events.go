package observability

import (
	"context"
	"log/slog"
	"sort"

	"floorlend/core/events"
)

// Emit implements events.Emitter, turning committed engine events into
// counters.
func (m *MarketMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	switch e := evt.(type) {
	case events.Swap:
		direction := "buy"
		if e.AmountIn0 != nil && e.AmountIn0.Sign() > 0 {
			direction = "sell"
		}
		m.swaps.WithLabelValues(normalizeLabel(e.PoolID), direction).Inc()
		m.reserves.WithLabelValues(normalizeLabel(e.PoolID), "token").Set(bigToFloat(e.Reserve0))
		m.reserves.WithLabelValues(normalizeLabel(e.PoolID), "quote").Set(bigToFloat(e.Reserve1))
		m.fee.WithLabelValues(normalizeLabel(e.PoolID)).Set(float64(e.FeeBps))
	case events.FeesHarvested:
		m.harvests.WithLabelValues(normalizeLabel(e.PoolID)).Inc()
		m.burned.WithLabelValues(normalizeLabel(e.PoolID)).Add(bigToFloat(e.TokenBurned))
	case events.TokenSupply:
		m.supply.WithLabelValues(normalizeLabel(e.Token)).Set(bigToFloat(e.Total))
	case events.CollateralMoved:
		op := "deposit_collateral"
		if e.Withdrawn {
			op = "withdraw_collateral"
		}
		m.lending.WithLabelValues(normalizeLabel(e.PoolID), op).Inc()
	case events.LoanBorrowed:
		m.lending.WithLabelValues(normalizeLabel(e.PoolID), "borrow").Inc()
	case events.LoanRepaid:
		m.lending.WithLabelValues(normalizeLabel(e.PoolID), "repay").Inc()
	case events.PositionMarked:
		m.lending.WithLabelValues(normalizeLabel(e.PoolID), "mark").Inc()
	case events.PositionRecovered:
		m.lending.WithLabelValues(normalizeLabel(e.PoolID), "recover").Inc()
		m.shortfall.WithLabelValues(normalizeLabel(e.PoolID)).Add(bigToFloat(e.Shortfall))
	case events.LendingSupplied:
		m.liquidity.WithLabelValues("supply").Inc()
	case events.LendingRedeemed:
		m.liquidity.WithLabelValues("redeem").Inc()
	case events.LendingAccrued:
		m.liquidity.WithLabelValues("accrue").Inc()
	case events.LendingLossForgiven:
		m.liquidity.WithLabelValues("forgive").Inc()
	}
}

// LogEmitter writes every event it receives as one structured log line.
type LogEmitter struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Emit implements events.Emitter.
func (l LogEmitter) Emit(evt events.Event) {
	if l.Logger == nil || evt == nil {
		return
	}
	rendered := evt.Event()
	if rendered == nil {
		return
	}
	keys := make([]string, 0, len(rendered.Attributes))
	for key := range rendered.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys)+1)
	attrs = append(attrs, slog.String("event", rendered.Type))
	for _, key := range keys {
		attrs = append(attrs, slog.String(key, rendered.Attributes[key]))
	}
	l.Logger.LogAttrs(context.Background(), l.Level, "event", attrs...)
}
