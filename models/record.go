package models

import (
	"encoding/json"
	"fmt"
)

// RecordedEvent is the durable form of a normalized event inside an hourly
// bucket file. Payload holds the full serialized Event so replay can
// reconstruct it exactly.
type RecordedEvent struct {
	EventType string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8" json:"event_type"`
	MarketID  string `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8" json:"market_id"`
	OutcomeID string `parquet:"name=outcome_id, type=BYTE_ARRAY, convertedtype=UTF8" json:"outcome_id"`
	TsNs      int64  `parquet:"name=ts_ns, type=INT64" json:"ts_ns"`
	RecvTsNs  int64  `parquet:"name=recv_ts_ns, type=INT64" json:"recv_ts_ns"`
	Payload   string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8" json:"payload"`
}

// NewRecordedEvent flattens an event for storage. The event-embedded
// timestamp is preferred; receive time is the fallback.
func NewRecordedEvent(ev Event) (RecordedEvent, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return RecordedEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}

	tsNs := ev.TsReceivedNs
	switch d := ev.Data.(type) {
	case BookSnapshot:
		if len(d.Books) > 0 && d.Books[0].TsNs > 0 {
			tsNs = d.Books[0].TsNs
		}
	case BookDelta:
		if d.TsNs > 0 {
			tsNs = d.TsNs
		}
	case Ticker:
		if d.TsNs > 0 {
			tsNs = d.TsNs
		}
	case HealthSnapshot:
		if d.TsNs > 0 {
			tsNs = d.TsNs
		}
	}

	return RecordedEvent{
		EventType: string(ev.Type),
		MarketID:  ev.MarketID(),
		OutcomeID: ev.OutcomeID(),
		TsNs:      tsNs,
		RecvTsNs:  ev.TsReceivedNs,
		Payload:   string(payload),
	}, nil
}

// Decode reconstructs the normalized event from the stored payload.
func (r RecordedEvent) Decode() (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(r.Payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode recorded payload: %w", err)
	}
	return ev, nil
}
