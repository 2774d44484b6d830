package cfd

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// Long margin is quantity/(price*leverage); short margin is quantity/price.
func TestMarginReferenceScenarios(t *testing.T) {
	if got := LongMargin(10000, 1, 10); !almostEqual(got, 0.00001) {
		t.Errorf("LongMargin(10000,1,10) = %v, want 0.00001", got)
	}
	if got := ShortMargin(10000, 1); !almostEqual(got, 0.0001) {
		t.Errorf("ShortMargin(10000,1) = %v, want 0.0001", got)
	}

	if got := LongMargin(40000, 20, 2); !almostEqual(got, 0.00025) {
		t.Errorf("LongMargin(40000,20,2) = %v, want 0.00025", got)
	}
	if got := ShortMargin(40000, 20); !almostEqual(got, 0.0005) {
		t.Errorf("ShortMargin(40000,20) = %v, want 0.0005", got)
	}
}

func TestLongLiquidationPrice(t *testing.T) {
	got := LongLiquidationPrice(41000, 5)
	want := 34166.666666
	if !almostEqual(got, want) {
		t.Errorf("LongLiquidationPrice(41000,5) = %v, want ~%v", got, want)
	}
}

// P4: long losses are capped at -100% of margin, never negative payout.
func TestProfitLongLossCapped(t *testing.T) {
	initial := 50000.0
	leverage := uint64(5)
	qty := 10.0

	liqPrice := LongLiquidationPrice(initial, leverage)
	belowLiq := liqPrice - 1000 // well past liquidation

	profit, percent := Profit(initial, belowLiq, qty, leverage, Long)
	margin := LongMargin(initial, qty, leverage)

	if !almostEqual(profit, -margin) {
		t.Errorf("Profit at/below liquidation = %v, want -margin (%v)", profit, -margin)
	}
	if !almostEqual(percent, -100) {
		t.Errorf("Profit%% at/below liquidation = %v, want -100", percent)
	}
}

// P5: pool conservation — long payout + short payout == long_margin + short_margin
// at every closing price, including past liquidation.
func TestProfitPoolConservation(t *testing.T) {
	initial := 20000.0
	leverage := uint64(3)
	qty := 5.0

	longMargin := LongMargin(initial, qty, leverage)
	shortMargin := ShortMargin(initial, qty)
	pool := longMargin + shortMargin

	for _, closing := range []float64{initial * 0.1, initial * 0.5, initial, initial * 1.5, initial * 3} {
		longProfit, _ := Profit(initial, closing, qty, leverage, Long)
		shortProfit, _ := Profit(initial, closing, qty, leverage, Short)

		longPayout := longMargin + longProfit
		shortPayout := shortMargin + shortProfit

		if !almostEqual(longPayout+shortPayout, pool) {
			t.Errorf("at closing=%v: longPayout+shortPayout = %v, want pool %v", closing, longPayout+shortPayout, pool)
		}
	}
}

func TestProfitLongGain(t *testing.T) {
	// Reference scenario (§8): price doubles, 2x leverage long should gain
	// 100% of margin (capped by the inverse-price formula well before the
	// liquidation boundary at this leverage).
	initial := 10000.0
	closing := 20000.0
	leverage := uint64(2)
	qty := 1.0

	profit, percent := Profit(initial, closing, qty, leverage, Long)
	margin := LongMargin(initial, qty, leverage)

	if !almostEqual(profit, margin) {
		t.Errorf("Profit = %v, want +margin (%v)", profit, margin)
	}
	if !almostEqual(percent, 100) {
		t.Errorf("Profit%% = %v, want 100", percent)
	}
}

func TestRefundTimelockBlocks(t *testing.T) {
	if got := RefundTimelockBlocks(86400); got == 0 {
		t.Fatal("RefundTimelockBlocks(86400) = 0, want > 0")
	}
}
