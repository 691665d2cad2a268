package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"predflow/internal/bus"
	"predflow/logger"
	"predflow/models"
)

const defaultCheckInterval = 5 * time.Second

// FeedStatus is the view of the transport the monitor needs.
type FeedStatus interface {
	IsConnected() bool
	SubscribedMarkets() []string
}

// BookStatus is the view of per-market book freshness the monitor needs.
type BookStatus interface {
	StaleMarkets() int
}

// Monitor periodically classifies the venue pipeline and publishes a health
// event: degraded when any tracked book has gone stale, down when the
// transport is disconnected, healthy otherwise.
type Monitor struct {
	venueID  string
	interval time.Duration
	feed     FeedStatus
	books    BookStatus
	latency  *LatencyTracker
	bus      *bus.Bus
	log      *logger.Log
	now      func() time.Time

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewMonitor(venueID string, interval time.Duration, feed FeedStatus, books BookStatus, latency *LatencyTracker, b *bus.Bus) *Monitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Monitor{
		venueID:  venueID,
		interval: interval,
		feed:     feed,
		books:    books,
		latency:  latency,
		bus:      b,
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("health monitor already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.run(ctx)

	m.log.WithComponent("health").WithFields(logger.Fields{
		"venue":    m.venueID,
		"interval": m.interval.String(),
	}).Info("health monitor started")
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.WithComponent("health").Info("health monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.publish(m.Evaluate())
		}
	}
}

// Evaluate builds the current health summary without publishing it.
func (m *Monitor) Evaluate() models.HealthSnapshot {
	p50, p95 := m.latency.Percentiles()
	stale := m.books.StaleMarkets()
	subscribed := len(m.feed.SubscribedMarkets())

	snap := models.HealthSnapshot{
		Status:            models.HealthHealthy,
		TsNs:              m.now().UnixNano(),
		LatencyP50Ms:      p50,
		LatencyP95Ms:      p95,
		SubscribedMarkets: subscribed,
		StaleMarkets:      stale,
	}

	switch {
	case stale > 0:
		snap.Status = models.HealthDegraded
		snap.Reason = fmt.Sprintf("%d stale markets", stale)
	case !m.feed.IsConnected():
		snap.Status = models.HealthDown
		snap.Reason = "websocket disconnected"
	}
	return snap
}

func (m *Monitor) publish(snap models.HealthSnapshot) {
	if snap.Status != models.HealthHealthy {
		m.log.WithComponent("health").WithFields(logger.Fields{
			"venue":  m.venueID,
			"status": string(snap.Status),
			"reason": snap.Reason,
			"stale":  snap.StaleMarkets,
		}).Warn("venue unhealthy")
	}

	m.bus.Publish(models.Event{
		Type:         models.EventHealth,
		VenueID:      m.venueID,
		Data:         snap,
		TsReceivedNs: snap.TsNs,
	})
}
