package processor

import (
	"fmt"
	"sync"
	"time"

	"predflow/config"
	"predflow/logger"
	"predflow/models"
)

// SyncPhase is the per-market synchronization state.
type SyncPhase string

const (
	PhaseDisconnected SyncPhase = "DISCONNECTED"
	PhaseConnecting   SyncPhase = "CONNECTING"
	PhaseWaitSnapshot SyncPhase = "WAIT_SNAPSHOT"
	PhaseLive         SyncPhase = "LIVE"
)

type pendingDelta struct {
	msg      models.DeltaMsg
	recvTsNs int64
}

type marketSync struct {
	phase      SyncPhase
	pending    []pendingDelta
	books      map[string]*models.OrderBook // outcome id -> book
	lastUpdate time.Time
}

// BookSynchronizer turns raw feed messages into canonical book state,
// enforcing snapshot-before-delta consistency per market. It is written to
// from the single connection run-loop; the mutex exists for the health
// monitor's read-side (staleness enumeration).
type BookSynchronizer struct {
	cfg     *config.Config
	venueID string
	log     *logger.Log
	now     func() time.Time

	mu       sync.RWMutex
	markets  map[string]*marketSync
	sequence int64
}

// NewBookSynchronizer creates a synchronizer for one venue. The clock is
// injectable for deterministic staleness tests.
func NewBookSynchronizer(cfg *config.Config, now func() time.Time) *BookSynchronizer {
	if now == nil {
		now = time.Now
	}
	s := &BookSynchronizer{
		cfg:     cfg,
		venueID: cfg.Venue.ID,
		log:     logger.GetLogger(),
		now:     now,
		markets: make(map[string]*marketSync),
	}
	s.log.WithComponent("book_sync").WithFields(logger.Fields{
		"venue":               cfg.Venue.ID,
		"pending_delta_limit": cfg.Sync.PendingDeltaLimit,
	}).Info("book synchronizer initialized")
	return s
}

// Track registers a market so phase transitions and staleness apply to it.
func (s *BookSynchronizer) Track(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[marketID]; !ok {
		s.markets[marketID] = &marketSync{
			phase: PhaseDisconnected,
			books: make(map[string]*models.OrderBook),
		}
	}
}

// Tracked returns the set of markets under synchronization.
func (s *BookSynchronizer) Tracked() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.markets))
	for id := range s.markets {
		out = append(out, id)
	}
	return out
}

// Phase reports the current sync phase for a market.
func (s *BookSynchronizer) Phase(marketID string) SyncPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ms, ok := s.markets[marketID]; ok {
		return ms.phase
	}
	return PhaseDisconnected
}

// BeginConnecting moves every tracked market to CONNECTING. Called on
// adapter start and at the beginning of every reconnect.
func (s *BookSynchronizer) BeginConnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ms := range s.markets {
		s.setPhase(id, ms, PhaseConnecting)
	}
}

// MarkSubscribed moves a market from CONNECTING to WAIT_SNAPSHOT once its
// subscription has been acknowledged.
func (s *BookSynchronizer) MarkSubscribed(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.markets[marketID]
	if !ok {
		return
	}
	if ms.phase == PhaseConnecting {
		s.setPhase(marketID, ms, PhaseWaitSnapshot)
	}
}

// Disconnected drops every market back to DISCONNECTED and clears pending
// deltas so nothing stale gets applied against a future snapshot.
func (s *BookSynchronizer) Disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ms := range s.markets {
		s.setPhase(id, ms, PhaseDisconnected)
		ms.pending = nil
	}
}

func (s *BookSynchronizer) setPhase(marketID string, ms *marketSync, phase SyncPhase) {
	if ms.phase == phase {
		return
	}
	s.log.WithComponent("book_sync").WithFields(logger.Fields{
		"market": marketID,
		"from":   string(ms.phase),
		"to":     string(phase),
	}).Debug("sync phase transition")
	ms.phase = phase
}

// ApplySnapshot replaces both outcome books from a two-sided snapshot,
// transitions the market to LIVE and drains buffered deltas whose timestamp
// is at or after the snapshot's, in arrival order. Returns the snapshot
// payload plus one delta payload per drained, applied delta.
func (s *BookSynchronizer) ApplySnapshot(msg models.SnapshotMsg, recvTsNs int64) (models.BookSnapshot, []models.BookDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.markets[msg.MarketTicker]
	if !ok {
		return models.BookSnapshot{}, nil, fmt.Errorf("snapshot for untracked market %q", msg.MarketTicker)
	}
	return s.applySnapshotLocked(ms, msg, recvTsNs)
}

// PrimeSnapshot applies a snapshot only while the market has not reached
// LIVE. The phase check and the apply share the lock, so a streamed snapshot
// that lands first can never be overwritten by an older primed book.
func (s *BookSynchronizer) PrimeSnapshot(msg models.SnapshotMsg, recvTsNs int64) (models.BookSnapshot, []models.BookDelta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.markets[msg.MarketTicker]
	if !ok {
		return models.BookSnapshot{}, nil, false, fmt.Errorf("snapshot for untracked market %q", msg.MarketTicker)
	}
	if ms.phase == PhaseLive {
		return models.BookSnapshot{}, nil, false, nil
	}
	snap, drained, err := s.applySnapshotLocked(ms, msg, recvTsNs)
	return snap, drained, err == nil, err
}

func (s *BookSynchronizer) applySnapshotLocked(ms *marketSync, msg models.SnapshotMsg, recvTsNs int64) (models.BookSnapshot, []models.BookDelta, error) {
	seq := s.nextSequencePair()

	yes := &models.OrderBook{
		VenueID:   s.venueID,
		MarketID:  msg.MarketTicker,
		OutcomeID: models.OutcomeYes,
		TsNs:      recvTsNs,
		Bids:      buildBids(msg.Yes),
		Asks:      deriveAsks(msg.No),
		Sequence:  seq,
	}
	yes.Recompute()

	no := &models.OrderBook{
		VenueID:   s.venueID,
		MarketID:  msg.MarketTicker,
		OutcomeID: models.OutcomeNo,
		TsNs:      recvTsNs,
		Bids:      buildBids(msg.No),
		Asks:      deriveAsks(msg.Yes),
		Sequence:  seq + 1,
	}
	no.Recompute()

	ms.books[models.OutcomeYes] = yes
	ms.books[models.OutcomeNo] = no
	ms.lastUpdate = s.now()
	s.setPhase(msg.MarketTicker, ms, PhaseLive)
	logger.IncrementSnapshotApplied()

	snapshot := models.BookSnapshot{Books: []models.OrderBook{yes.Clone(), no.Clone()}}

	// Drain the warm-up buffer: deltas older than the snapshot are stale,
	// the rest apply in arrival order.
	var drained []models.BookDelta
	pending := ms.pending
	ms.pending = nil
	for _, pd := range pending {
		if pd.msg.Timestamp(pd.recvTsNs) < recvTsNs {
			continue
		}
		if delta, applied := s.applyDeltaLocked(ms, pd.msg, pd.recvTsNs); applied {
			drained = append(drained, delta)
		}
	}
	if len(pending) > 0 {
		s.log.WithComponent("book_sync").WithFields(logger.Fields{
			"market":   msg.MarketTicker,
			"buffered": len(pending),
			"applied":  len(drained),
		}).Info("drained pending deltas after snapshot")
	}

	return snapshot, drained, nil
}

// ApplyDelta applies one incremental change. While the market is not LIVE
// the delta is buffered (bounded, oldest dropped on overflow) and no book is
// mutated. Returns nil when nothing was visibly applied.
func (s *BookSynchronizer) ApplyDelta(msg models.DeltaMsg, recvTsNs int64) *models.BookDelta {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.markets[msg.MarketTicker]
	if !ok {
		s.log.WithComponent("book_sync").WithFields(logger.Fields{
			"market": msg.MarketTicker,
		}).Warn("delta for unsubscribed market, ignoring")
		return nil
	}

	if ms.phase != PhaseLive {
		if len(ms.pending) >= s.cfg.Sync.PendingDeltaLimit {
			ms.pending = ms.pending[1:]
			s.log.WithComponent("book_sync").WithFields(logger.Fields{
				"market": msg.MarketTicker,
				"limit":  s.cfg.Sync.PendingDeltaLimit,
			}).Warn("pending delta buffer full, dropping oldest")
		}
		ms.pending = append(ms.pending, pendingDelta{msg: msg, recvTsNs: recvTsNs})
		return nil
	}

	delta, applied := s.applyDeltaLocked(ms, msg, recvTsNs)
	if !applied {
		return nil
	}
	return &delta
}

func (s *BookSynchronizer) applyDeltaLocked(ms *marketSync, msg models.DeltaMsg, recvTsNs int64) (models.BookDelta, bool) {
	outcome := msg.Side
	if outcome != models.OutcomeYes && outcome != models.OutcomeNo {
		s.log.WithComponent("book_sync").WithFields(logger.Fields{
			"market": msg.MarketTicker,
			"side":   msg.Side,
		}).Warn("delta with unknown side, ignoring")
		return models.BookDelta{}, false
	}

	book := ms.books[outcome]
	paired := ms.books[models.ComplementOutcome(outcome)]
	if book == nil || paired == nil {
		// LIVE without books cannot happen via ApplySnapshot; guard anyway.
		return models.BookDelta{}, false
	}

	tsNs := msg.Timestamp(recvTsNs)
	seq := s.nextSequencePair()

	qty := setBidLevel(book, msg.Price, msg.Delta)
	book.Recompute()
	book.TsNs = tsNs
	book.Sequence = seq

	// The paired outcome's derived ask mirrors this bid at the
	// complementary price.
	if complement := 100 - msg.Price; complement > 0 {
		setAskLevel(paired, complement, qty)
	}
	paired.Recompute()
	paired.TsNs = tsNs
	paired.Sequence = seq + 1

	ms.lastUpdate = s.now()
	logger.IncrementDeltaApplied()

	return models.BookDelta{
		MarketID:   msg.MarketTicker,
		MarketUUID: msg.MarketUUID,
		OutcomeID:  outcome,
		TsNs:       tsNs,
		PriceCents: msg.Price,
		Delta:      msg.Delta,
		Side:       msg.Side,
		Books:      []models.OrderBook{book.Clone(), paired.Clone()},
	}, true
}

func (s *BookSynchronizer) nextSequencePair() int64 {
	seq := s.sequence + 1
	s.sequence += 2
	return seq
}

// Book returns a copy of the current book for one outcome, or false when no
// snapshot has been applied yet.
func (s *BookSynchronizer) Book(marketID, outcomeID string) (models.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.markets[marketID]
	if !ok {
		return models.OrderBook{}, false
	}
	book, ok := ms.books[outcomeID]
	if !ok {
		return models.OrderBook{}, false
	}
	return book.Clone(), true
}

// IsStale reports whether a market has gone without an accepted update for
// longer than the configured threshold. Markets that never received an
// update are stale.
func (s *BookSynchronizer) IsStale(marketID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.markets[marketID]
	if !ok {
		return true
	}
	if ms.lastUpdate.IsZero() {
		return true
	}
	return s.now().Sub(ms.lastUpdate) > s.cfg.Sync.StalenessThreshold
}

// StaleMarkets counts tracked markets currently considered stale.
func (s *BookSynchronizer) StaleMarkets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.cfg.Sync.StalenessThreshold)
	stale := 0
	for _, ms := range s.markets {
		if ms.lastUpdate.IsZero() || ms.lastUpdate.Before(cutoff) {
			stale++
		}
	}
	return stale
}

// PendingCount exposes the warm-up buffer depth for a market.
func (s *BookSynchronizer) PendingCount(marketID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ms, ok := s.markets[marketID]; ok {
		return len(ms.pending)
	}
	return 0
}
