package bus

import (
	"testing"

	"predflow/models"
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := New()

	var first, second []models.EventType
	b.Subscribe(func(ev models.Event) { first = append(first, ev.Type) })
	b.Subscribe(func(ev models.Event) { second = append(second, ev.Type) })

	b.Publish(models.Event{Type: models.EventMarketInfo})
	b.Publish(models.Event{Type: models.EventBookSnapshot})
	b.Publish(models.Event{Type: models.EventBookDelta})

	want := []models.EventType{models.EventMarketInfo, models.EventBookSnapshot, models.EventBookDelta}
	for _, got := range [][]models.EventType{first, second} {
		if len(got) != len(want) {
			t.Fatalf("received %d events, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("order broken: %v", got)
			}
		}
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New()
	b.Publish(models.Event{Type: models.EventTicker})
}
