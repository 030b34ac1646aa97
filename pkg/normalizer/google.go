package normalizer

import (
	"fmt"
	"strings"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/shopspring/decimal"
)

var microsPerUnit = decimal.NewFromInt(1_000_000)

// GoogleNormalizer handles Google Ads report rows:
//
//	{"campaign": {"resource_name": "customers/1/campaigns/42", "name": "..."},
//	 "metrics": {"date": "YYYY-MM-DD", "impressions": n, "clicks": n,
//	             "cost_micros": n, "conversions": n}}
//
// The campaign id is the last segment of the resource name and spend is
// cost_micros divided by one million.
type GoogleNormalizer struct{}

// Source returns "google".
func (GoogleNormalizer) Source() string { return "google" }

// Normalize converts a Google Ads payload.
func (GoogleNormalizer) Normalize(record types.RawRecord) (types.NormalizedEvent, error) {
	p := record.Payload
	campaign, err := object(p, "campaign")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}
	metrics, err := object(p, "metrics")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}
	resourceName, err := requiredString(campaign, "resource_name")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: campaign: %w", err)
	}
	campaignID := resourceName[strings.LastIndex(resourceName, "/")+1:]
	if campaignID == "" {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w: resource_name %q has no campaign id", ErrInvalidPayload, resourceName)
	}
	name, err := campaignName(campaign, "name")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}
	metricDate, _, err := optionalString(metrics, "date")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}
	date, err := eventDate(metricDate, record)
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}

	out := types.NormalizedEvent{
		UnifiedCampaignID: campaignID,
		CampaignName:      name,
		SourcePlatform:    "google",
		EventDate:         date,
	}
	if out.Impressions, err = countField(metrics, "impressions"); err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}
	if out.Clicks, err = countField(metrics, "clicks"); err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}
	if out.Conversions, err = countField(metrics, "conversions"); err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}
	micros, err := decimalField(metrics, "cost_micros")
	if err != nil {
		return types.NormalizedEvent{}, fmt.Errorf("google: %w", err)
	}
	out.Spend = micros.Div(microsPerUnit)
	return out, nil
}
