package state

import (
	"sync"

	"predflow/models"
)

// LatestStore keeps the most recent observed state per key: one book per
// (venue, market, outcome), one metadata record per market, one health
// summary per venue. It subscribes to the bus and is safe for concurrent
// readers.
type LatestStore struct {
	mu      sync.RWMutex
	books   map[string]models.OrderBook // venue:market:outcome
	markets map[string]models.Market    // venue:market
	health  map[string]models.HealthSnapshot
}

func NewLatestStore() *LatestStore {
	return &LatestStore{
		books:   make(map[string]models.OrderBook),
		markets: make(map[string]models.Market),
		health:  make(map[string]models.HealthSnapshot),
	}
}

func bookKey(venueID, marketID, outcomeID string) string {
	return venueID + ":" + marketID + ":" + outcomeID
}

// Apply folds one event into the store. Registered as a bus handler.
func (s *LatestStore) Apply(ev models.Event) {
	switch d := ev.Data.(type) {
	case models.MarketInfo:
		s.mu.Lock()
		s.markets[ev.VenueID+":"+d.Market.MarketID] = d.Market
		s.mu.Unlock()
	case models.BookSnapshot:
		s.mu.Lock()
		for _, book := range d.Books {
			s.books[bookKey(ev.VenueID, book.MarketID, book.OutcomeID)] = book
		}
		s.mu.Unlock()
	case models.BookDelta:
		s.mu.Lock()
		for _, book := range d.Books {
			s.books[bookKey(ev.VenueID, book.MarketID, book.OutcomeID)] = book
		}
		s.mu.Unlock()
	case models.HealthSnapshot:
		s.mu.Lock()
		s.health[ev.VenueID] = d
		s.mu.Unlock()
	}
}

// Book returns the latest book for one outcome.
func (s *LatestStore) Book(venueID, marketID, outcomeID string) (models.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[bookKey(venueID, marketID, outcomeID)]
	return book, ok
}

// Market returns the latest metadata for one market.
func (s *LatestStore) Market(venueID, marketID string) (models.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	market, ok := s.markets[venueID+":"+marketID]
	return market, ok
}

// Health returns the latest health summary for one venue.
func (s *LatestStore) Health(venueID string) (models.HealthSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[venueID]
	return h, ok
}

// Markets returns every known market.
func (s *LatestStore) Markets() []models.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	return out
}
