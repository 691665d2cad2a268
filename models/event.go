package models

import (
	"encoding/json"
	"fmt"
)

// EventType tags the closed set of normalized events emitted by the pipeline.
type EventType string

const (
	EventMarketInfo   EventType = "market_info"
	EventBookSnapshot EventType = "book_snapshot"
	EventBookDelta    EventType = "book_delta"
	EventTicker       EventType = "ticker"
	EventHealth       EventType = "health"
	EventSubscribed   EventType = "subscribed"
	EventError        EventType = "error"
)

// EventData is implemented by exactly one concrete payload per event type,
// dispatched by type switch rather than by inspecting map keys.
type EventData interface {
	EventType() EventType
}

// Event is the normalized envelope handed to every downstream consumer.
type Event struct {
	Type         EventType `json:"type"`
	VenueID      string    `json:"venue_id"`
	Data         EventData `json:"data"`
	TsReceivedNs int64     `json:"ts_received_ns"`
}

// MarketInfo carries discovered market metadata.
type MarketInfo struct {
	Market Market `json:"market"`
}

func (MarketInfo) EventType() EventType { return EventMarketInfo }

// BookSnapshot carries the pair of outcome books produced by one atomic
// refresh. The paired sequences are n and n+1.
type BookSnapshot struct {
	Books []OrderBook `json:"books"`
}

func (BookSnapshot) EventType() EventType { return EventBookSnapshot }

// BookDelta carries one applied price-level change together with the two
// touched outcome books after application.
type BookDelta struct {
	MarketID   string      `json:"market_id"`
	MarketUUID string      `json:"market_uuid,omitempty"`
	OutcomeID  string      `json:"outcome_id"`
	TsNs       int64       `json:"ts_ns"`
	PriceCents int         `json:"px_cents"`
	Delta      int         `json:"delta"`
	Side       string      `json:"side"`
	Books      []OrderBook `json:"books,omitempty"`
}

func (BookDelta) EventType() EventType { return EventBookDelta }

// Ticker carries the venue's own top-of-book broadcast.
type Ticker struct {
	MarketID string `json:"market_id"`
	BestBid  *int   `json:"best_bid"`
	BestAsk  *int   `json:"best_ask"`
	TsNs     int64  `json:"ts_ns"`
}

func (Ticker) EventType() EventType { return EventTicker }

// HealthSnapshot is the periodic venue health summary.
type HealthSnapshot struct {
	Status            HealthStatus `json:"status"`
	Reason            string       `json:"reason,omitempty"`
	TsNs              int64        `json:"ts_ns"`
	LatencyP50Ms      *float64     `json:"latency_p50_ms"`
	LatencyP95Ms      *float64     `json:"latency_p95_ms"`
	SubscribedMarkets int          `json:"subscribed_markets"`
	StaleMarkets      int          `json:"stale_markets"`
}

func (HealthSnapshot) EventType() EventType { return EventHealth }

// HealthStatus classifies the venue pipeline.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Subscribed confirms a channel subscription.
type Subscribed struct {
	Channel  string `json:"channel"`
	MarketID string `json:"market_id,omitempty"`
	SID      int    `json:"sid"`
}

func (Subscribed) EventType() EventType { return EventSubscribed }

// ErrorInfo carries a venue-reported error frame.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (ErrorInfo) EventType() EventType { return EventError }

// UnmarshalJSON decodes the envelope and then the payload into the concrete
// variant selected by Type. Needed for replaying recorded events.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type         EventType       `json:"type"`
		VenueID      string          `json:"venue_id"`
		Data         json.RawMessage `json:"data"`
		TsReceivedNs int64           `json:"ts_received_ns"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Type = raw.Type
	e.VenueID = raw.VenueID
	e.TsReceivedNs = raw.TsReceivedNs
	e.Data = nil
	if len(raw.Data) == 0 || string(raw.Data) == "null" {
		return nil
	}

	var payload EventData
	switch raw.Type {
	case EventMarketInfo:
		payload = &MarketInfo{}
	case EventBookSnapshot:
		payload = &BookSnapshot{}
	case EventBookDelta:
		payload = &BookDelta{}
	case EventTicker:
		payload = &Ticker{}
	case EventHealth:
		payload = &HealthSnapshot{}
	case EventSubscribed:
		payload = &Subscribed{}
	case EventError:
		payload = &ErrorInfo{}
	default:
		return fmt.Errorf("unknown event type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Data, payload); err != nil {
		return err
	}

	switch v := payload.(type) {
	case *MarketInfo:
		e.Data = *v
	case *BookSnapshot:
		e.Data = *v
	case *BookDelta:
		e.Data = *v
	case *Ticker:
		e.Data = *v
	case *HealthSnapshot:
		e.Data = *v
	case *Subscribed:
		e.Data = *v
	case *ErrorInfo:
		e.Data = *v
	}
	return nil
}

// MarketID extracts the market the event concerns, empty for venue-level
// events such as health.
func (e Event) MarketID() string {
	switch d := e.Data.(type) {
	case MarketInfo:
		return d.Market.MarketID
	case BookSnapshot:
		if len(d.Books) > 0 {
			return d.Books[0].MarketID
		}
	case BookDelta:
		return d.MarketID
	case Ticker:
		return d.MarketID
	case Subscribed:
		return d.MarketID
	}
	return ""
}

// OutcomeID extracts the outcome the event concerns, when it has one.
func (e Event) OutcomeID() string {
	switch d := e.Data.(type) {
	case BookSnapshot:
		if len(d.Books) > 0 {
			return d.Books[0].OutcomeID
		}
	case BookDelta:
		return d.OutcomeID
	}
	return ""
}
