package kalshi

import (
	"testing"

	"predflow/models"
)

func TestNormalizeMarketStatusMapping(t *testing.T) {
	cases := []struct {
		raw  string
		want models.MarketStatus
	}{
		{"open", models.MarketActive},
		{"OPEN", models.MarketActive},
		{"closed", models.MarketResolved},
		{"settled", models.MarketResolved},
		{"unopened", models.MarketPending},
		{"mystery", models.MarketActive},
	}
	for _, c := range cases {
		m := NormalizeMarket("kalshi", RawMarket{Ticker: "T", Status: c.raw})
		if m.Status != c.want {
			t.Fatalf("status %q -> %s, want %s", c.raw, m.Status, c.want)
		}
	}
}

func TestNormalizeMarketShape(t *testing.T) {
	m := NormalizeMarket("kalshi", RawMarket{
		Ticker:   "FED-25DEC-T4.00",
		Title:    "Fed funds rate above 4% in December 2025",
		Subtitle: "Resolves per FOMC target",
		Category: "Economics",
		Status:   "open",
		OpenTs:   100,
		CloseTs:  200,
	})

	if m.VenueID != "kalshi" || m.MarketID != "FED-25DEC-T4.00" {
		t.Fatalf("identity fields wrong: %+v", m)
	}
	if m.Currency != "USD" || m.Timezone != "US/Eastern" {
		t.Fatalf("venue conventions wrong: %s %s", m.Currency, m.Timezone)
	}
	if len(m.Outcomes) != 2 || m.Outcomes[0].ID != models.OutcomeYes || m.Outcomes[1].ID != models.OutcomeNo {
		t.Fatalf("outcomes = %+v", m.Outcomes)
	}
	if m.CreatedTs != 100 || m.ResolutionTs != 200 {
		t.Fatalf("timestamps = %d/%d", m.CreatedTs, m.ResolutionTs)
	}

	if m.MappingTags["entity"] != "federal_reserve" {
		t.Fatalf("entity tag = %q", m.MappingTags["entity"])
	}
	if m.MappingTags["subcategory"] != "monetary_policy" {
		t.Fatalf("subcategory tag = %q", m.MappingTags["subcategory"])
	}
	if m.MappingTags["year"] != "2025" {
		t.Fatalf("year tag = %q", m.MappingTags["year"])
	}
	if m.MappingTags["category"] != "economics" {
		t.Fatalf("category tag = %q", m.MappingTags["category"])
	}
}

func TestExtractMappingTagsByCategory(t *testing.T) {
	tags := extractMappingTags("kalshi", RawMarket{
		Title:    "Who wins the presidency?",
		Category: "Elections",
	})
	if tags["subcategory"] != "politics" {
		t.Fatalf("subcategory = %q", tags["subcategory"])
	}

	tags = extractMappingTags("kalshi", RawMarket{
		Title:    "Hottest day on record",
		Category: "Climate",
	})
	if tags["subcategory"] != "weather" {
		t.Fatalf("subcategory = %q", tags["subcategory"])
	}
}
