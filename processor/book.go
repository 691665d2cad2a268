package processor

import (
	"sort"

	"predflow/models"
)

// buildBids converts raw [price, qty] levels into canonical bid levels:
// strictly descending by price, duplicate prices collapsed last-wins.
func buildBids(levels [][]int) []models.PriceLevel {
	byPrice := make(map[int]int, len(levels))
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		byPrice[lvl[0]] = lvl[1]
	}

	bids := make([]models.PriceLevel, 0, len(byPrice))
	for px, qty := range byPrice {
		bids = append(bids, models.PriceLevel{PriceCents: px, Qty: qty})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].PriceCents > bids[j].PriceCents })
	return bids
}

// deriveAsks converts the opposite outcome's raw bid levels into this
// outcome's asks via the binary complement rule ask = 100 - bid. Prices that
// complement to zero or below are dropped. Result is strictly ascending.
func deriveAsks(oppositeBids [][]int) []models.PriceLevel {
	byPrice := make(map[int]int, len(oppositeBids))
	for _, lvl := range oppositeBids {
		if len(lvl) < 2 {
			continue
		}
		px := 100 - lvl[0]
		if px <= 0 {
			continue
		}
		byPrice[px] = lvl[1]
	}

	asks := make([]models.PriceLevel, 0, len(byPrice))
	for px, qty := range byPrice {
		asks = append(asks, models.PriceLevel{PriceCents: px, Qty: qty})
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].PriceCents < asks[j].PriceCents })
	return asks
}

// setBidLevel adjusts the quantity at an exact bid price by delta, inserting
// the level when absent and removing it when the result drops to zero or
// below. Returns the resulting quantity (never negative).
func setBidLevel(book *models.OrderBook, priceCents, delta int) int {
	for i, lvl := range book.Bids {
		if lvl.PriceCents != priceCents {
			continue
		}
		qty := lvl.Qty + delta
		if qty <= 0 {
			book.Bids = append(book.Bids[:i], book.Bids[i+1:]...)
			return 0
		}
		book.Bids[i].Qty = qty
		return qty
	}

	if delta <= 0 {
		// Delta against an unknown level that would end negative: clamp.
		return 0
	}

	// Insert preserving descending price order.
	idx := sort.Search(len(book.Bids), func(i int) bool {
		return book.Bids[i].PriceCents < priceCents
	})
	book.Bids = append(book.Bids, models.PriceLevel{})
	copy(book.Bids[idx+1:], book.Bids[idx:])
	book.Bids[idx] = models.PriceLevel{PriceCents: priceCents, Qty: delta}
	return delta
}

// setAskLevel pins the derived ask at an exact price to qty, removing the
// level when qty is zero and inserting it ascending when absent.
func setAskLevel(book *models.OrderBook, priceCents, qty int) {
	for i, lvl := range book.Asks {
		if lvl.PriceCents != priceCents {
			continue
		}
		if qty <= 0 {
			book.Asks = append(book.Asks[:i], book.Asks[i+1:]...)
			return
		}
		book.Asks[i].Qty = qty
		return
	}

	if qty <= 0 {
		return
	}

	idx := sort.Search(len(book.Asks), func(i int) bool {
		return book.Asks[i].PriceCents > priceCents
	})
	book.Asks = append(book.Asks, models.PriceLevel{})
	copy(book.Asks[idx+1:], book.Asks[idx:])
	book.Asks[idx] = models.PriceLevel{PriceCents: priceCents, Qty: qty}
}
