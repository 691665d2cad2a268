package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"predflow/config"
	"predflow/internal/bus"
	"predflow/internal/health"
	"predflow/logger"
	"predflow/models"
	"predflow/processor"
)

// Adapter is the venue pipeline: it discovers markets over REST, keeps the
// streaming session alive, feeds frames through the book synchronizer, and
// publishes normalized events on the bus.
type Adapter struct {
	cfg     *config.Config
	venueID string
	signer  *Signer
	rest    *RESTClient
	conn    *Connection
	sync    *processor.BookSynchronizer
	latency *health.LatencyTracker
	bus     *bus.Bus
	log     *logger.Log

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	primed  map[string]bool
	wg      sync.WaitGroup
}

func NewAdapter(cfg *config.Config, synchronizer *processor.BookSynchronizer, latency *health.LatencyTracker, b *bus.Bus) (*Adapter, error) {
	signer, err := NewSigner(cfg.Venue.APIKeyID, cfg.Venue.PrivateKeyPath, time.Now)
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		venueID: cfg.Venue.ID,
		signer:  signer,
		rest:    NewRESTClient(cfg, signer),
		sync:    synchronizer,
		latency: latency,
		bus:     b,
		log:     logger.GetLogger(),
		primed:  make(map[string]bool),
	}
	a.conn = NewConnection(cfg, signer, Callbacks{
		OnMessage:      a.handleMessage,
		OnConnected:    a.handleConnected,
		OnDisconnected: a.handleDisconnected,
		OnError:        a.handleError,
	})
	return a, nil
}

// Connection exposes the transport for health reporting.
func (a *Adapter) Connection() *Connection {
	return a.conn
}

// Start discovers markets, publishes their metadata, and launches the
// streaming run-loop. Discovery failure is fatal: without market metadata
// there is nothing to subscribe to.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("kalshi adapter already running")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	log := a.log.WithComponent("kalshi_adapter")

	markets, err := a.discoverMarkets(a.ctx)
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("market discovery: %w", err)
	}

	for _, market := range markets {
		a.sync.Track(market.MarketID)
		a.bus.Publish(models.Event{
			Type:         models.EventMarketInfo,
			VenueID:      a.venueID,
			Data:         models.MarketInfo{Market: market},
			TsReceivedNs: time.Now().UnixNano(),
		})
	}
	log.WithFields(logger.Fields{"markets": len(markets)}).Info("tracking markets")

	a.sync.BeginConnecting()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.conn.Listen(a.ctx); err != nil {
			log.WithError(err).Error("streaming run-loop terminated")
			a.bus.Publish(models.Event{
				Type:         models.EventError,
				VenueID:      a.venueID,
				Data:         models.ErrorInfo{Message: err.Error()},
				TsReceivedNs: time.Now().UnixNano(),
			})
		}
	}()

	log.WithFields(logger.Fields{"venue": a.venueID}).Info("kalshi adapter started")
	return nil
}

func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.conn.Close()
	a.wg.Wait()
	a.log.WithComponent("kalshi_adapter").Info("kalshi adapter stopped")
}

// discoverMarkets resolves the tracked market set: the configured tickers
// when given, otherwise the first DiscoverLimit open markets by volume as the
// venue returns them.
func (a *Adapter) discoverMarkets(ctx context.Context) ([]models.Market, error) {
	log := a.log.WithComponent("kalshi_adapter")

	if len(a.cfg.Venue.Markets) > 0 {
		raws, err := a.rest.GetAllMarkets(ctx, "open")
		if err != nil {
			return nil, err
		}
		byTicker := make(map[string]RawMarket, len(raws))
		for _, raw := range raws {
			byTicker[raw.Ticker] = raw
		}

		out := make([]models.Market, 0, len(a.cfg.Venue.Markets))
		for _, ticker := range a.cfg.Venue.Markets {
			raw, ok := byTicker[ticker]
			if !ok {
				log.WithFields(logger.Fields{"market": ticker}).Warn("configured market not open, tracking anyway")
				raw = RawMarket{Ticker: ticker, Status: "open"}
			}
			out = append(out, NormalizeMarket(a.venueID, raw))
		}
		return out, nil
	}

	limit := a.cfg.Venue.DiscoverLimit
	page, err := a.rest.GetMarkets(ctx, limit, "open", "")
	if err != nil {
		return nil, err
	}
	if len(page.Markets) == 0 {
		return nil, fmt.Errorf("no open markets returned")
	}
	if len(page.Markets) > limit {
		page.Markets = page.Markets[:limit]
	}

	out := make([]models.Market, 0, len(page.Markets))
	for _, raw := range page.Markets {
		out = append(out, NormalizeMarket(a.venueID, raw))
	}
	return out, nil
}

// handleConnected moves every tracked market to CONNECTING and subscribes
// the ones not yet in the registry. Reconnects replay the registry inside
// the run-loop, so the subscribe here only acts on the first connect or on
// markets added since.
func (a *Adapter) handleConnected() {
	a.sync.BeginConnecting()

	a.mu.RLock()
	ctx := a.ctx
	a.mu.RUnlock()
	if ctx == nil {
		return
	}

	var missing []string
	for _, marketID := range a.sync.Tracked() {
		if !a.conn.IsSubscribed(marketID) {
			missing = append(missing, marketID)
		}
	}
	if len(missing) == 0 {
		return
	}
	if err := a.conn.Subscribe(ctx, a.cfg.Venue.Channels, missing); err != nil {
		a.log.WithComponent("kalshi_adapter").WithError(err).Warn("initial subscribe failed")
	}
}

func (a *Adapter) handleDisconnected() {
	a.sync.Disconnected()
}

func (a *Adapter) handleError(err error) {
	a.log.WithComponent("kalshi_adapter").WithError(err).Warn("transport error")
}

func (a *Adapter) handleMessage(msg models.ServerMessage, recvTsNs int64) {
	log := a.log.WithComponent("kalshi_adapter")

	switch msg.Type {
	case models.MsgOrderbookSnapshot:
		var m models.SnapshotMsg
		if err := json.Unmarshal(msg.Msg, &m); err != nil {
			log.WithError(err).Warn("malformed snapshot payload, skipping")
			return
		}
		a.applySnapshot(m, recvTsNs)

	case models.MsgOrderbookDelta:
		var m models.DeltaMsg
		if err := json.Unmarshal(msg.Msg, &m); err != nil {
			log.WithError(err).Warn("malformed delta payload, skipping")
			return
		}
		a.applyDelta(m, recvTsNs)

	case models.MsgTicker:
		var m models.TickerMsg
		if err := json.Unmarshal(msg.Msg, &m); err != nil {
			log.WithError(err).Warn("malformed ticker payload, skipping")
			return
		}
		a.bus.Publish(models.Event{
			Type:    models.EventTicker,
			VenueID: a.venueID,
			Data: models.Ticker{
				MarketID: m.MarketTicker,
				BestBid:  m.Bid,
				BestAsk:  m.Ask,
				TsNs:     m.Ts * int64(time.Millisecond),
			},
			TsReceivedNs: recvTsNs,
		})

	case models.MsgSubscribed:
		var m models.SubscribedMsg
		if err := json.Unmarshal(msg.Msg, &m); err != nil {
			log.WithError(err).Warn("malformed subscribed payload, skipping")
			return
		}
		a.handleSubscribed(m, msg.SID, recvTsNs)

	case models.MsgError:
		var m models.ErrorMsg
		if err := json.Unmarshal(msg.Msg, &m); err != nil {
			log.WithError(err).Warn("malformed error payload, skipping")
			return
		}
		log.WithFields(logger.Fields{"code": m.Code, "msg": m.Msg}).Warn("venue error frame")
		a.bus.Publish(models.Event{
			Type:         models.EventError,
			VenueID:      a.venueID,
			Data:         models.ErrorInfo{Code: m.Code, Message: m.Msg},
			TsReceivedNs: recvTsNs,
		})

	default:
		log.WithFields(logger.Fields{"type": msg.Type}).Debug("ignoring unknown message type")
	}
}

func (a *Adapter) applySnapshot(m models.SnapshotMsg, recvTsNs int64) {
	snap, drained, err := a.sync.ApplySnapshot(m, recvTsNs)
	if err != nil {
		a.log.WithComponent("kalshi_adapter").WithError(err).WithFields(logger.Fields{
			"market": m.MarketTicker,
		}).Warn("snapshot rejected")
		return
	}

	a.publishSnapshot(snap, drained, recvTsNs)
}

func (a *Adapter) publishSnapshot(snap models.BookSnapshot, drained []models.BookDelta, recvTsNs int64) {
	a.bus.Publish(models.Event{
		Type:         models.EventBookSnapshot,
		VenueID:      a.venueID,
		Data:         snap,
		TsReceivedNs: recvTsNs,
	})
	for _, d := range drained {
		a.bus.Publish(models.Event{
			Type:         models.EventBookDelta,
			VenueID:      a.venueID,
			Data:         d,
			TsReceivedNs: recvTsNs,
		})
	}
}

func (a *Adapter) applyDelta(m models.DeltaMsg, recvTsNs int64) {
	if m.Ts != "" {
		if eventTsNs := m.Timestamp(recvTsNs); eventTsNs != recvTsNs {
			lagMs := float64(recvTsNs-eventTsNs) / float64(time.Millisecond)
			if lagMs >= 0 {
				a.latency.Record(lagMs)
			}
		}
	}

	d := a.sync.ApplyDelta(m, recvTsNs)
	if d == nil {
		return
	}

	a.bus.Publish(models.Event{
		Type:         models.EventBookDelta,
		VenueID:      a.venueID,
		Data:         *d,
		TsReceivedNs: recvTsNs,
	})
}

func (a *Adapter) handleSubscribed(m models.SubscribedMsg, sid int, recvTsNs int64) {
	a.sync.MarkSubscribed(m.MarketTicker)

	a.bus.Publish(models.Event{
		Type:    models.EventSubscribed,
		VenueID: a.venueID,
		Data: models.Subscribed{
			Channel:  m.Channel,
			MarketID: m.MarketTicker,
			SID:      sid,
		},
		TsReceivedNs: recvTsNs,
	})

	if m.MarketTicker == "" {
		return
	}

	a.mu.Lock()
	alreadyPrimed := a.primed[m.MarketTicker]
	a.primed[m.MarketTicker] = true
	ctx := a.ctx
	a.mu.Unlock()
	if alreadyPrimed || ctx == nil {
		return
	}

	// Prime the book over REST so the pipeline has state before the first
	// streamed snapshot arrives. Skipped once the market is already live.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.primeOrderbook(ctx, m.MarketTicker)
	}()
}

func (a *Adapter) primeOrderbook(ctx context.Context, marketID string) {
	log := a.log.WithComponent("kalshi_adapter")

	msg, err := a.rest.GetOrderbook(ctx, marketID, a.cfg.Venue.OrderbookDepth)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"market": marketID}).Warn("orderbook priming failed")
		return
	}

	recvTsNs := time.Now().UnixNano()
	snap, drained, applied, err := a.sync.PrimeSnapshot(msg, recvTsNs)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"market": marketID}).Warn("primed snapshot rejected")
		return
	}
	if !applied {
		// A streamed snapshot won the race; the primed book is older.
		return
	}
	a.publishSnapshot(snap, drained, recvTsNs)
}
