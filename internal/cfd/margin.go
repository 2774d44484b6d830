package cfd

import "math"

// LongMargin is quantity / (price * leverage), in BTC.
func LongMargin(price, quantity float64, leverage uint64) float64 {
	return quantity / (price * float64(leverage))
}

// ShortMargin is quantity / price, in BTC. The short side does not
// currently leverage the position (original_source/daemon/src/model/cfd.rs).
func ShortMargin(price, quantity float64) float64 {
	return quantity / price
}

// LongLiquidationPrice is price * leverage / (leverage + 1).
func LongLiquidationPrice(price float64, leverage uint64) float64 {
	return price * float64(leverage) / float64(leverage+1)
}

// LiquidationPrice returns the liquidation price for a position. The short
// side is unleveraged in this model and has no liquidation price; 0 is
// returned (callers must not present it to a short taker).
func LiquidationPrice(position Position, price float64, leverage uint64) float64 {
	if position == Long {
		return LongLiquidationPrice(price, leverage)
	}
	return 0
}

// RefundTimelockBlocks returns ceil(settlement_interval_seconds / 600 * 1.5).
func RefundTimelockBlocks(settlementIntervalSeconds float64) uint32 {
	return uint32(math.Ceil(settlementIntervalSeconds / 600 * 1.5))
}

// Profit computes the profit/loss in BTC and as a percentage of margin, for
// the given position closing at closingPrice, leverage fixed at
// initial-setup leverage (the short side is always unleveraged). Losses are
// capped at -100% of margin by construction: at or past the long
// liquidation price, the long side's payout floors at zero and the short
// side's payout ceilings at the full pool (long_margin + short_margin).
//
// Ported from original_source/daemon/src/model/cfd.rs::calculate_profit.
func Profit(initialPrice, closingPrice, quantity float64, leverage uint64, position Position) (profitBTC, percent float64) {
	longLiqPrice := LongLiquidationPrice(initialPrice, leverage)
	longIsLiquidated := closingPrice <= longLiqPrice

	longMargin := LongMargin(initialPrice, quantity, leverage)
	shortMargin := ShortMargin(initialPrice, quantity)

	amountChanged := quantity/initialPrice - quantity/closingPrice

	var margin, payout float64
	switch position {
	case Long:
		if longIsLiquidated {
			payout = 0
		} else {
			payout = longMargin + amountChanged
		}
		margin = longMargin
	case Short:
		if longIsLiquidated {
			payout = longMargin + shortMargin
		} else {
			payout = shortMargin - amountChanged
		}
		margin = shortMargin
	}

	profit := payout - margin
	return profit, 100 * profit / margin
}

// PayoutPoint is one sampled point of a collaborative-settlement payout
// curve: at Price, the taker/maker split the pool as TakerAmount/MakerAmount
// (long_margin + short_margin total, conserved across every point — P5).
type PayoutPoint struct {
	Price       float64
	TakerAmount float64
	MakerAmount float64
}

// PayoutCurve samples n evenly spaced prices between zero and twice the
// initial price and computes the long/short payout split at each, expressed
// from the taker's perspective. Used to agree on a settlement price without
// a live renegotiation of the Profit formula.
func (s *State) PayoutCurve(n int) []PayoutPoint {
	if n < 2 {
		n = 2
	}
	price := s.Static.InitialPrice
	qty := s.Static.Quantity
	leverage := s.Static.Leverage
	longMargin := LongMargin(price, qty, leverage)
	shortMargin := ShortMargin(price, qty)
	pool := longMargin + shortMargin

	points := make([]PayoutPoint, n)
	step := price * 2 / float64(n-1)
	for i := 0; i < n; i++ {
		closing := step * float64(i)
		if closing <= 0 {
			closing = 0.00000001 // avoid division by zero in Profit's amountChanged
		}
		longProfit, _ := Profit(price, closing, qty, leverage, Long)
		longPayout := longMargin + longProfit
		if longPayout < 0 {
			longPayout = 0
		}
		if longPayout > pool {
			longPayout = pool
		}
		shortPayout := pool - longPayout

		var takerAmt, makerAmt float64
		if s.Static.Role == RoleTaker {
			takerAmt, makerAmt = payoutFor(s.Static.Position, longPayout, shortPayout)
		} else {
			makerAmt, takerAmt = payoutFor(s.Static.Position, longPayout, shortPayout)
		}
		points[i] = PayoutPoint{Price: closing, TakerAmount: takerAmt, MakerAmount: makerAmt}
	}
	return points
}

func payoutFor(position Position, longPayout, shortPayout float64) (own, counter float64) {
	if position == Long {
		return longPayout, shortPayout
	}
	return shortPayout, longPayout
}

// nearestPoint returns the curve point whose Price is closest to target.
func nearestPoint(curve []PayoutPoint, target float64) PayoutPoint {
	best := curve[0]
	bestDist := math.Abs(best.Price - target)
	for _, p := range curve[1:] {
		d := math.Abs(p.Price - target)
		if d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}
