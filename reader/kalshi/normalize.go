package kalshi

import (
	"regexp"
	"strings"

	"predflow/models"
)

// Normalization of venue market metadata into the canonical model.

var yearPattern = regexp.MustCompile(`(\d{4})`)

var statusMap = map[string]models.MarketStatus{
	"open":     models.MarketActive,
	"active":   models.MarketActive,
	"closed":   models.MarketResolved,
	"settled":  models.MarketResolved,
	"unopened": models.MarketPending,
}

// NormalizeMarket converts a venue market into the canonical Market record,
// deriving classification tags from title and category.
func NormalizeMarket(venueID string, raw RawMarket) models.Market {
	status, ok := statusMap[strings.ToLower(raw.Status)]
	if !ok {
		status = models.MarketActive
	}

	tags := extractMappingTags(venueID, raw)

	return models.Market{
		VenueID:          venueID,
		MarketID:         raw.Ticker,
		Title:            raw.Title,
		Description:      raw.Subtitle,
		ResolutionSource: raw.Rules,
		ResolutionTs:     raw.CloseTs,
		Timezone:         "US/Eastern",
		Currency:         "USD",
		Status:           status,
		CreatedTs:        raw.OpenTs,
		Outcomes: []models.OutcomeDescriptor{
			{ID: models.OutcomeYes, Label: "YES", Type: "binary"},
			{ID: models.OutcomeNo, Label: "NO", Type: "binary"},
		},
		MappingTags: tags,
	}
}

func extractMappingTags(venueID string, raw RawMarket) map[string]string {
	title := strings.ToLower(raw.Title)
	category := strings.ToLower(raw.Category)

	tags := map[string]string{
		"category": category,
		"venue":    venueID,
	}

	switch {
	case strings.Contains(title, "fed") || strings.Contains(title, "federal reserve"):
		tags["entity"] = "federal_reserve"
		tags["subcategory"] = "monetary_policy"
	case strings.Contains(title, "cpi") || strings.Contains(title, "inflation"):
		tags["entity"] = "bls"
		tags["subcategory"] = "inflation"
	case strings.Contains(category, "election") || strings.Contains(category, "politics"):
		tags["subcategory"] = "politics"
	case strings.Contains(category, "economics"):
		tags["subcategory"] = "macro"
	case strings.Contains(category, "climate") || strings.Contains(category, "weather"):
		tags["subcategory"] = "weather"
	}

	if m := yearPattern.FindString(title); m != "" {
		tags["year"] = m
	}

	return tags
}
