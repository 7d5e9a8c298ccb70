package market

// Level is one price level of an order book side.
type Level struct {
	Price float64
	Size  float64
}

// VWAPByQuote walks levels until quoteNotional USD is consumed and returns
// the volume-weighted price plus the base quantity it buys. ok is false when
// the book is too thin to absorb the full notional.
func VWAPByQuote(levels []Level, quoteNotional float64) (vwap, baseQty float64, ok bool) {
	if quoteNotional <= 0 {
		return 0, 0, false
	}
	remaining := quoteNotional
	var spentQuote float64
	for _, lvl := range levels {
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		levelQuote := lvl.Price * lvl.Size
		take := levelQuote
		if take > remaining {
			take = remaining
		}
		baseQty += take / lvl.Price
		spentQuote += take
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if baseQty == 0 {
		return 0, 0, false
	}
	return spentQuote / baseQty, baseQty, remaining <= 0
}

// DepthUSD sums the notional resting across levels, optionally capped to the
// first maxLevels entries. maxLevels <= 0 sums the whole side.
func DepthUSD(levels []Level, maxLevels int) float64 {
	var total float64
	for i, lvl := range levels {
		if maxLevels > 0 && i >= maxLevels {
			break
		}
		if lvl.Price <= 0 || lvl.Size <= 0 {
			continue
		}
		total += lvl.Price * lvl.Size
	}
	return total
}
