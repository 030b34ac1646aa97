package normalizer

import (
	"fmt"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
)

// MetaNormalizer handles Meta Ads insight events:
//
//	{"campaign_id": "...", "campaign_name": "...", "date_start": "YYYY-MM-DD",
//	 "insights": {"impressions": n, "clicks": n, "spend": n, "conversions": n}}
type MetaNormalizer struct{}

// Source returns "meta".
func (MetaNormalizer) Source() string { return "meta" }

// Normalize converts a Meta insight payload.
func (MetaNormalizer) Normalize(record types.RawRecord) (types.NormalizedEvent, error) {
	p := record.Payload
	campaignID, err := requiredString(p, "campaign_id")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}
	insights, err := object(p, "insights")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}
	name, err := campaignName(p, "campaign_name")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}
	dateStart, _, err := optionalString(p, "date_start")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}
	date, err := eventDate(dateStart, record)
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}

	out := types.NormalizedEvent{
		UnifiedCampaignID: campaignID,
		CampaignName:      name,
		SourcePlatform:    "meta",
		EventDate:         date,
	}
	if out.Impressions, err = countField(insights, "impressions"); err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}
	if out.Clicks, err = countField(insights, "clicks"); err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}
	if out.Conversions, err = countField(insights, "conversions"); err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}
	if out.Spend, err = decimalField(insights, "spend"); err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("meta: %w", err)
	}
	return out, nil
}
