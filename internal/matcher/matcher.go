// Package matcher reconstructs round-trip trades from executed spot fills
// using FIFO lot matching.
//
// Each buy fill opens a lot. Each sell fill closes lots from the front of
// the queue, emitting one MatchedTrade per lot slice it consumes. A sell that
// exceeds every open lot is matched as far as possible and the excess is
// dropped: no short position is ever opened.
//
// All arithmetic uses shopspring/decimal, never float64 for money.
package matcher

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnljournal/journal-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// lot is an open, not yet fully sold buy.
type lot struct {
	remaining  decimal.Decimal
	entryPrice decimal.Decimal
	entryMs    int64
}

// Match pairs fills into closed trades owned by userID. It is deterministic
// and does no I/O. Instruments are emitted in order of first appearance.
func Match(userID int64, fills []model.RawFill) []model.MatchedTrade {
	var symbols []string
	bySymbol := make(map[string][]model.RawFill)
	for _, f := range fills {
		if _, ok := bySymbol[f.Symbol]; !ok {
			symbols = append(symbols, f.Symbol)
		}
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}

	var result []model.MatchedTrade
	for _, symbol := range symbols {
		result = append(result, matchSymbol(userID, symbol, bySymbol[symbol])...)
	}
	return result
}

// matchSymbol runs the FIFO pass for one instrument. The slice is owned by
// the caller's grouping and may be reordered in place.
func matchSymbol(userID int64, symbol string, fills []model.RawFill) []model.MatchedTrade {
	sort.SliceStable(fills, func(i, j int) bool {
		return fills[i].TimestampMs < fills[j].TimestampMs
	})

	var (
		lots   []lot
		trades []model.MatchedTrade
	)

	for _, f := range fills {
		qty, ok := positive(f.Quantity)
		if !ok {
			continue
		}
		price, ok := positive(f.Price)
		if !ok {
			continue
		}

		switch f.Side {
		case model.SideBuy:
			lots = append(lots, lot{remaining: qty, entryPrice: price, entryMs: f.TimestampMs})

		case model.SideSell:
			sellLeft := qty
			for sellLeft.IsPositive() && len(lots) > 0 {
				front := &lots[0]
				matched := decimal.Min(sellLeft, front.remaining)

				trades = append(trades, newTrade(userID, symbol, front.entryPrice, price, matched, front.entryMs, f.TimestampMs))

				front.remaining = front.remaining.Sub(matched)
				sellLeft = sellLeft.Sub(matched)
				if !front.remaining.IsPositive() {
					lots = lots[1:]
				}
			}
			// Whatever is left of sellLeft had no open lot to close.
		}
	}

	return trades
}

func newTrade(userID int64, symbol string, entryPrice, exitPrice, qty decimal.Decimal, entryMs, exitMs int64) model.MatchedTrade {
	buyTotal := qty.Mul(entryPrice)
	sellTotal := qty.Mul(exitPrice)
	pnl := sellTotal.Sub(buyTotal)

	pnlPercent := decimal.Zero
	if buyTotal.IsPositive() {
		pnlPercent = pnl.Div(buyTotal).Mul(hundred)
	}

	return model.MatchedTrade{
		UserID:     userID,
		Symbol:     symbol,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		Quantity:   qty,
		BuyTotal:   buyTotal,
		SellTotal:  sellTotal,
		PnL:        pnl,
		PnLPercent: pnlPercent,
		EntryTime:  time.UnixMilli(entryMs).UTC(),
		ExitTime:   time.UnixMilli(exitMs).UTC(),
	}
}

// positive parses an exchange decimal string and reports whether it is a
// finite value greater than zero.
func positive(s string) (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(s)
	if err != nil || !v.IsPositive() {
		return decimal.Zero, false
	}
	return v, true
}
