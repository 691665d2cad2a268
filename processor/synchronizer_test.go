package processor

import (
	"testing"
	"time"

	"predflow/config"
	"predflow/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Venue: config.VenueConfig{ID: "kalshi"},
		Sync: config.SyncConfig{
			StalenessThreshold: 3 * time.Second,
			PendingDeltaLimit:  5,
		},
	}
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSync(t *testing.T) (*BookSynchronizer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewBookSynchronizer(testConfig(), clock.Now)
	return s, clock
}

func snapshotMsg(market string) models.SnapshotMsg {
	return models.SnapshotMsg{
		MarketTicker: market,
		Yes:          [][]int{{40, 100}, {35, 50}},
		No:           [][]int{{55, 200}, {50, 75}},
	}
}

func TestApplySnapshotBuildsComplementaryBooks(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("FED-25")
	s.BeginConnecting()
	s.MarkSubscribed("FED-25")

	snap, drained, err := s.ApplySnapshot(snapshotMsg("FED-25"), 1000)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if len(drained) != 0 {
		t.Fatalf("unexpected drained deltas: %d", len(drained))
	}
	if len(snap.Books) != 2 {
		t.Fatalf("snapshot carries %d books, want 2", len(snap.Books))
	}

	yes := snap.Books[0]
	no := snap.Books[1]
	if yes.OutcomeID != models.OutcomeYes || no.OutcomeID != models.OutcomeNo {
		t.Fatalf("unexpected outcome order: %s, %s", yes.OutcomeID, no.OutcomeID)
	}

	// Yes asks derive from No bids: 100-55=45, 100-50=50, ascending.
	if len(yes.Asks) != 2 || yes.Asks[0].PriceCents != 45 || yes.Asks[1].PriceCents != 50 {
		t.Fatalf("yes asks = %+v", yes.Asks)
	}
	if *yes.BestBid != 40 || *yes.BestAsk != 45 {
		t.Fatalf("yes top of book = %d/%d", *yes.BestBid, *yes.BestAsk)
	}
	if *yes.MidPx != 42.5 {
		t.Fatalf("yes mid = %v", *yes.MidPx)
	}

	// No asks derive from Yes bids: 100-40=60, 100-35=65.
	if len(no.Asks) != 2 || no.Asks[0].PriceCents != 60 || no.Asks[1].PriceCents != 65 {
		t.Fatalf("no asks = %+v", no.Asks)
	}

	// Paired sequences n and n+1.
	if no.Sequence != yes.Sequence+1 {
		t.Fatalf("sequences %d/%d not paired", yes.Sequence, no.Sequence)
	}

	if s.Phase("FED-25") != PhaseLive {
		t.Fatalf("phase = %s, want LIVE", s.Phase("FED-25"))
	}
}

func TestPhaseTransitions(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("CPI-26")

	if got := s.Phase("CPI-26"); got != PhaseDisconnected {
		t.Fatalf("initial phase = %s", got)
	}
	s.BeginConnecting()
	if got := s.Phase("CPI-26"); got != PhaseConnecting {
		t.Fatalf("after BeginConnecting phase = %s", got)
	}
	s.MarkSubscribed("CPI-26")
	if got := s.Phase("CPI-26"); got != PhaseWaitSnapshot {
		t.Fatalf("after MarkSubscribed phase = %s", got)
	}
	if _, _, err := s.ApplySnapshot(snapshotMsg("CPI-26"), 1); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if got := s.Phase("CPI-26"); got != PhaseLive {
		t.Fatalf("after snapshot phase = %s", got)
	}
	s.Disconnected()
	if got := s.Phase("CPI-26"); got != PhaseDisconnected {
		t.Fatalf("after Disconnected phase = %s", got)
	}
}

func TestReconnectPassesThroughConnecting(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("CPI-26")
	s.BeginConnecting()
	s.MarkSubscribed("CPI-26")
	if _, _, err := s.ApplySnapshot(snapshotMsg("CPI-26"), 1); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	s.Disconnected()

	// A subscription ack without a reconnect in between must not skip the
	// CONNECTING phase.
	s.MarkSubscribed("CPI-26")
	if got := s.Phase("CPI-26"); got != PhaseDisconnected {
		t.Fatalf("ack while disconnected moved phase to %s", got)
	}

	s.BeginConnecting()
	s.MarkSubscribed("CPI-26")
	if got := s.Phase("CPI-26"); got != PhaseWaitSnapshot {
		t.Fatalf("after reconnect ack phase = %s", got)
	}
}

func TestPrimeSnapshotYieldsToLiveBook(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("FED-25")
	s.BeginConnecting()
	s.MarkSubscribed("FED-25")

	// While waiting for the first streamed snapshot, priming applies.
	snap, _, applied, err := s.PrimeSnapshot(snapshotMsg("FED-25"), 1000)
	if err != nil {
		t.Fatalf("PrimeSnapshot: %v", err)
	}
	if !applied || len(snap.Books) != 2 {
		t.Fatalf("applied=%v books=%d", applied, len(snap.Books))
	}
	if s.Phase("FED-25") != PhaseLive {
		t.Fatalf("phase = %s, want LIVE", s.Phase("FED-25"))
	}

	// Once LIVE the primed book is older than the stream; it must not
	// replace the current state.
	stale := models.SnapshotMsg{
		MarketTicker: "FED-25",
		Yes:          [][]int{{10, 1}},
		No:           [][]int{{85, 1}},
	}
	_, _, applied, err = s.PrimeSnapshot(stale, 2000)
	if err != nil {
		t.Fatalf("PrimeSnapshot: %v", err)
	}
	if applied {
		t.Fatal("primed snapshot overwrote live book")
	}
	yes, _ := s.Book("FED-25", models.OutcomeYes)
	if *yes.BestBid != 40 {
		t.Fatalf("live book replaced: best bid = %d", *yes.BestBid)
	}
}

func TestApplyDeltaMirrorsComplementAsk(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("FED-25")
	s.BeginConnecting()
	s.MarkSubscribed("FED-25")
	if _, _, err := s.ApplySnapshot(snapshotMsg("FED-25"), 1000); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	d := s.ApplyDelta(models.DeltaMsg{
		MarketTicker: "FED-25",
		Price:        42,
		Delta:        30,
		Side:         models.OutcomeYes,
	}, 2000)
	if d == nil {
		t.Fatal("delta not applied")
	}
	if len(d.Books) != 2 {
		t.Fatalf("delta carries %d books, want 2", len(d.Books))
	}

	yes, ok := s.Book("FED-25", models.OutcomeYes)
	if !ok {
		t.Fatal("yes book missing")
	}
	if *yes.BestBid != 42 {
		t.Fatalf("yes best bid = %d, want 42", *yes.BestBid)
	}

	// The no book gains a derived ask at 100-42=58 with the same quantity.
	no, ok := s.Book("FED-25", models.OutcomeNo)
	if !ok {
		t.Fatal("no book missing")
	}
	if *no.BestAsk != 58 {
		t.Fatalf("no best ask = %d, want 58", *no.BestAsk)
	}
	found := false
	for _, lvl := range no.Asks {
		if lvl.PriceCents == 58 {
			found = true
			if lvl.Qty != 30 {
				t.Fatalf("derived ask qty = %d, want 30", lvl.Qty)
			}
		}
	}
	if !found {
		t.Fatalf("derived ask at 58 missing: %+v", no.Asks)
	}

	if no.Sequence != yes.Sequence+1 {
		t.Fatalf("delta sequences %d/%d not paired", yes.Sequence, no.Sequence)
	}
}

func TestDeltaRoundTripRestoresBook(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("FED-25")
	s.BeginConnecting()
	s.MarkSubscribed("FED-25")
	if _, _, err := s.ApplySnapshot(snapshotMsg("FED-25"), 1000); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	before, _ := s.Book("FED-25", models.OutcomeYes)

	add := models.DeltaMsg{MarketTicker: "FED-25", Price: 33, Delta: 40, Side: models.OutcomeYes}
	remove := models.DeltaMsg{MarketTicker: "FED-25", Price: 33, Delta: -40, Side: models.OutcomeYes}
	if d := s.ApplyDelta(add, 2000); d == nil {
		t.Fatal("add delta not applied")
	}
	if d := s.ApplyDelta(remove, 3000); d == nil {
		t.Fatal("remove delta not applied")
	}

	after, _ := s.Book("FED-25", models.OutcomeYes)
	if len(after.Bids) != len(before.Bids) {
		t.Fatalf("bids %+v, want %+v", after.Bids, before.Bids)
	}
	for i := range before.Bids {
		if after.Bids[i] != before.Bids[i] {
			t.Fatalf("bids %+v, want %+v", after.Bids, before.Bids)
		}
	}
}

func TestDeltaBufferedUntilLiveAndDrainedInOrder(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("FED-25")
	s.BeginConnecting()
	s.MarkSubscribed("FED-25")

	// Deltas before the snapshot are buffered, never applied.
	early := models.DeltaMsg{MarketTicker: "FED-25", Price: 41, Delta: 10, Side: models.OutcomeYes}
	late := models.DeltaMsg{MarketTicker: "FED-25", Price: 43, Delta: 20, Side: models.OutcomeYes}
	if d := s.ApplyDelta(early, 500); d != nil {
		t.Fatal("buffered delta reported as applied")
	}
	if d := s.ApplyDelta(late, 1500); d != nil {
		t.Fatal("buffered delta reported as applied")
	}
	if _, ok := s.Book("FED-25", models.OutcomeYes); ok {
		t.Fatal("book exists before snapshot")
	}
	if got := s.PendingCount("FED-25"); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	// Snapshot at recv ts 1000: the delta received at 500 is stale and
	// dropped, the one at 1500 drains.
	_, drained, err := s.ApplySnapshot(snapshotMsg("FED-25"), 1000)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if len(drained) != 1 {
		t.Fatalf("drained %d deltas, want 1", len(drained))
	}
	if drained[0].PriceCents != 43 {
		t.Fatalf("drained wrong delta: %+v", drained[0])
	}
	if got := s.PendingCount("FED-25"); got != 0 {
		t.Fatalf("pending after drain = %d, want 0", got)
	}

	yes, _ := s.Book("FED-25", models.OutcomeYes)
	if *yes.BestBid != 43 {
		t.Fatalf("drained delta not applied, best bid = %d", *yes.BestBid)
	}
}

func TestPendingBufferBoundedDropsOldest(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("FED-25")
	s.BeginConnecting()
	s.MarkSubscribed("FED-25")

	for i := 0; i < 8; i++ {
		msg := models.DeltaMsg{MarketTicker: "FED-25", Price: 20 + i, Delta: 1, Side: models.OutcomeYes}
		s.ApplyDelta(msg, int64(2000+i))
	}
	if got := s.PendingCount("FED-25"); got != 5 {
		t.Fatalf("pending = %d, want limit 5", got)
	}

	// Only the newest five survive: prices 23..27.
	_, drained, err := s.ApplySnapshot(snapshotMsg("FED-25"), 1000)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if len(drained) != 5 {
		t.Fatalf("drained %d, want 5", len(drained))
	}
	for i, d := range drained {
		if d.PriceCents != 23+i {
			t.Fatalf("drain order broken at %d: %+v", i, d)
		}
	}
}

func TestDisconnectClearsPendingDeltas(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("FED-25")
	s.BeginConnecting()
	s.MarkSubscribed("FED-25")

	s.ApplyDelta(models.DeltaMsg{MarketTicker: "FED-25", Price: 41, Delta: 10, Side: models.OutcomeYes}, 2000)
	if got := s.PendingCount("FED-25"); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	s.Disconnected()
	if got := s.PendingCount("FED-25"); got != 0 {
		t.Fatalf("pending after disconnect = %d, want 0", got)
	}

	s.BeginConnecting()
	s.MarkSubscribed("FED-25")
	_, drained, err := s.ApplySnapshot(snapshotMsg("FED-25"), 1)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if len(drained) != 0 {
		t.Fatalf("stale pre-disconnect deltas drained: %d", len(drained))
	}
}

func TestDeltaForUntrackedMarketIgnored(t *testing.T) {
	s, _ := newTestSync(t)
	if d := s.ApplyDelta(models.DeltaMsg{MarketTicker: "NOPE", Price: 40, Delta: 1, Side: models.OutcomeYes}, 1); d != nil {
		t.Fatal("untracked delta applied")
	}
	if _, _, err := s.ApplySnapshot(snapshotMsg("NOPE"), 1); err == nil {
		t.Fatal("untracked snapshot accepted")
	}
}

func TestStaleness(t *testing.T) {
	s, clock := newTestSync(t)
	s.Track("FED-25")

	// Never updated counts stale.
	if !s.IsStale("FED-25") {
		t.Fatal("never-updated market not stale")
	}
	if got := s.StaleMarkets(); got != 1 {
		t.Fatalf("stale count = %d, want 1", got)
	}

	s.BeginConnecting()
	s.MarkSubscribed("FED-25")
	if _, _, err := s.ApplySnapshot(snapshotMsg("FED-25"), 1); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if s.IsStale("FED-25") {
		t.Fatal("freshly updated market stale")
	}

	clock.Advance(2 * time.Second)
	if s.IsStale("FED-25") {
		t.Fatal("stale before threshold")
	}

	clock.Advance(2 * time.Second)
	if !s.IsStale("FED-25") {
		t.Fatal("not stale past threshold")
	}

	// An accepted delta refreshes staleness.
	s.ApplyDelta(models.DeltaMsg{MarketTicker: "FED-25", Price: 42, Delta: 5, Side: models.OutcomeYes}, 10)
	if s.IsStale("FED-25") {
		t.Fatal("delta did not refresh staleness")
	}
}

func TestSequencesStrictlyIncreaseAcrossRefreshes(t *testing.T) {
	s, _ := newTestSync(t)
	s.Track("A")
	s.Track("B")
	s.BeginConnecting()
	s.MarkSubscribed("A")
	s.MarkSubscribed("B")

	snapA, _, _ := s.ApplySnapshot(snapshotMsg("A"), 1)
	snapB, _, _ := s.ApplySnapshot(snapshotMsg("B"), 2)
	d := s.ApplyDelta(models.DeltaMsg{MarketTicker: "A", Price: 42, Delta: 5, Side: models.OutcomeYes}, 3)
	if d == nil {
		t.Fatal("delta not applied")
	}

	seqs := []int64{
		snapA.Books[0].Sequence, snapA.Books[1].Sequence,
		snapB.Books[0].Sequence, snapB.Books[1].Sequence,
		d.Books[0].Sequence, d.Books[1].Sequence,
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("sequences not contiguous: %v", seqs)
		}
	}
}
