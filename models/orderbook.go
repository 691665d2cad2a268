package models

// PriceLevel is one resting quantity at a binary-outcome price in cents.
// Valid prices lie in [1,99]; the two outcomes of a market always sum to 100.
type PriceLevel struct {
	PriceCents int `json:"px_cents"`
	Qty        int `json:"qty"`
}

// OrderBook is the canonical per-outcome book, keyed by
// (venue, market, outcome). Bids are strictly descending in price, asks
// strictly ascending, both with unique prices. BestBid/BestAsk/MidPx are
// derived and must be refreshed through Recompute after any mutation.
type OrderBook struct {
	VenueID   string       `json:"venue_id"`
	MarketID  string       `json:"market_id"`
	OutcomeID string       `json:"outcome_id"`
	TsNs      int64        `json:"ts_ns"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	BestBid   *int         `json:"best_bid"`
	BestAsk   *int         `json:"best_ask"`
	MidPx     *float64     `json:"mid_px"`
	Sequence  int64        `json:"sequence"`
}

// Recompute refreshes the derived top-of-book fields from the level slices.
func (b *OrderBook) Recompute() {
	b.BestBid = nil
	b.BestAsk = nil
	b.MidPx = nil

	if len(b.Bids) > 0 {
		px := b.Bids[0].PriceCents
		b.BestBid = &px
	}
	if len(b.Asks) > 0 {
		px := b.Asks[0].PriceCents
		b.BestAsk = &px
	}
	if b.BestBid != nil && b.BestAsk != nil {
		mid := float64(*b.BestBid+*b.BestAsk) / 2.0
		b.MidPx = &mid
	}
}

// Clone returns a deep copy so published books cannot be mutated by the
// synchronizer after fan-out.
func (b *OrderBook) Clone() OrderBook {
	out := *b
	out.Bids = append([]PriceLevel(nil), b.Bids...)
	out.Asks = append([]PriceLevel(nil), b.Asks...)
	if b.BestBid != nil {
		v := *b.BestBid
		out.BestBid = &v
	}
	if b.BestAsk != nil {
		v := *b.BestAsk
		out.BestAsk = &v
	}
	if b.MidPx != nil {
		v := *b.MidPx
		out.MidPx = &v
	}
	return out
}

// BookKey identifies a single outcome book.
type BookKey struct {
	VenueID   string
	MarketID  string
	OutcomeID string
}

func (b *OrderBook) Key() BookKey {
	return BookKey{VenueID: b.VenueID, MarketID: b.MarketID, OutcomeID: b.OutcomeID}
}
