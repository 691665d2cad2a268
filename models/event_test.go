package models

import (
	"encoding/json"
	"testing"
)

func TestEventUnmarshalDispatchesByType(t *testing.T) {
	px := 40
	ev := Event{
		Type:    EventBookDelta,
		VenueID: "kalshi",
		Data: BookDelta{
			MarketID:   "FED-25",
			OutcomeID:  OutcomeYes,
			TsNs:       123,
			PriceCents: px,
			Delta:      -5,
			Side:       OutcomeYes,
		},
		TsReceivedNs: 456,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	d, ok := got.Data.(BookDelta)
	if !ok {
		t.Fatalf("payload type %T, want BookDelta", got.Data)
	}
	if d.MarketID != "FED-25" || d.PriceCents != 40 || d.Delta != -5 {
		t.Fatalf("payload = %+v", d)
	}
	if got.MarketID() != "FED-25" || got.OutcomeID() != OutcomeYes {
		t.Fatalf("extractors: %q %q", got.MarketID(), got.OutcomeID())
	}
}

func TestEventUnmarshalRejectsUnknownType(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"type":"mystery","data":{}}`), &ev)
	if err == nil {
		t.Fatal("unknown event type accepted")
	}
}

func TestRecordedEventPrefersEmbeddedTimestamp(t *testing.T) {
	rec, err := NewRecordedEvent(Event{
		Type:         EventBookDelta,
		VenueID:      "kalshi",
		Data:         BookDelta{MarketID: "FED-25", TsNs: 777},
		TsReceivedNs: 999,
	})
	if err != nil {
		t.Fatalf("NewRecordedEvent: %v", err)
	}
	if rec.TsNs != 777 || rec.RecvTsNs != 999 {
		t.Fatalf("timestamps = %d/%d", rec.TsNs, rec.RecvTsNs)
	}
	if rec.EventType != string(EventBookDelta) || rec.MarketID != "FED-25" {
		t.Fatalf("columns = %+v", rec)
	}

	back, err := rec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.VenueID != "kalshi" {
		t.Fatalf("round trip lost venue: %+v", back)
	}
	if _, ok := back.Data.(BookDelta); !ok {
		t.Fatalf("round trip payload type %T", back.Data)
	}
}

func TestRecordedEventFallsBackToReceiveTime(t *testing.T) {
	rec, err := NewRecordedEvent(Event{
		Type:         EventSubscribed,
		VenueID:      "kalshi",
		Data:         Subscribed{Channel: "orderbook_delta", MarketID: "FED-25"},
		TsReceivedNs: 555,
	})
	if err != nil {
		t.Fatalf("NewRecordedEvent: %v", err)
	}
	if rec.TsNs != 555 {
		t.Fatalf("ts = %d, want receive time fallback", rec.TsNs)
	}
}
