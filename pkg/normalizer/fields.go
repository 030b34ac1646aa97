package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
	"github.com/shopspring/decimal"
)

const (
	unknownCampaign = "Unknown Campaign"
	dateLayout      = "2006-01-02"
)

// object returns the nested object at key, or an ErrInvalidPayload when it is
// missing or not an object.
func object(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidPayload, key)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidPayload, key)
	}
	return obj, nil
}

// requiredString returns a non-empty string or string-like number at key.
func requiredString(m map[string]any, key string) (string, error) {
	s, ok, err := optionalString(m, key)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidPayload, key)
	}
	return s, nil
}

func optionalString(m map[string]any, key string) (string, bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true, nil
	case float64:
		return decimal.NewFromFloat(t).String(), true, nil
	case json.Number:
		return t.String(), true, nil
	default:
		return "", false, fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, key)
	}
}

// decimalField reads a number or numeric string. Absent fields are zero.
func decimalField(m map[string]any, key string) (decimal.Decimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s is not numeric", ErrInvalidPayload, key)
		}
		return d, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s is not numeric", ErrInvalidPayload, key)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s is not numeric", ErrInvalidPayload, key)
	}
}

// countField reads a whole-number metric. Fractional values are truncated.
func countField(m map[string]any, key string) (int64, error) {
	d, err := decimalField(m, key)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

// eventDate picks the first usable date: the payload's own date, the event
// timestamp, then the time the record was received.
func eventDate(payloadDate string, record types.RawRecord) (string, error) {
	if payloadDate != "" {
		d, ok := parseDate(payloadDate)
		if !ok {
			return "", fmt.Errorf("%w: unrecognised date %q", ErrInvalidPayload, payloadDate)
		}
		return d, nil
	}
	if d, ok := parseDate(record.Timestamp); ok {
		return d, nil
	}
	if !record.ReceivedAt.IsZero() {
		return record.ReceivedAt.UTC().Format(dateLayout), nil
	}
	return "", fmt.Errorf("%w: no event date available", ErrInvalidPayload)
}

func parseDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().Format(dateLayout), true
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.Format(dateLayout), true
	}
	return "", false
}

func campaignName(m map[string]any, key string) (string, error) {
	name, ok, err := optionalString(m, key)
	if err != nil {
		return "", err
	}
	if !ok || name == "" {
		return unknownCampaign, nil
	}
	return name, nil
}
