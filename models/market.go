package models

// MarketStatus is the lifecycle state of a discovered market. Markets only
// ever move forward: pending -> active -> resolved.
type MarketStatus string

const (
	MarketPending  MarketStatus = "pending"
	MarketActive   MarketStatus = "active"
	MarketResolved MarketStatus = "resolved"
)

// OutcomeDescriptor describes one side of a market. Binary markets carry
// exactly two outcomes, "yes" and "no".
type OutcomeDescriptor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

const (
	OutcomeYes = "yes"
	OutcomeNo  = "no"
)

// Market is the canonical market metadata record, created on discovery.
// Everything except Status is immutable after creation.
type Market struct {
	VenueID          string              `json:"venue_id"`
	MarketID         string              `json:"market_id"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	ResolutionSource string              `json:"resolution_source"`
	ResolutionTs     int64               `json:"resolution_ts"`
	Timezone         string              `json:"timezone"`
	Currency         string              `json:"currency"`
	Status           MarketStatus        `json:"status"`
	CreatedTs        int64               `json:"created_ts"`
	Outcomes         []OutcomeDescriptor `json:"outcomes"`
	MappingTags      map[string]string   `json:"mapping_tags"`
}

// ComplementOutcome returns the paired outcome id for a binary market.
func ComplementOutcome(outcomeID string) string {
	if outcomeID == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}
