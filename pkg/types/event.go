package types

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a single marketing-platform event as submitted at the ingestion
// boundary. Payload is opaque to everything except the normalizer registered
// for Source.
type Event struct {
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp,omitempty"`
	ID        string         `json:"id,omitempty"`
}

// DecodeEvent reads one JSON event. Payload numbers are kept as json.Number
// so large integer ids and micro amounts pass through without rounding.
func DecodeEvent(r io.Reader) (Event, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var event Event
	if err := dec.Decode(&event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// NativeNumbers returns v with every json.Number replaced by an int64, or by a
// float64 when it is not a whole number in int64 range. Maps and slices are
// copied.
func NativeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = NativeNumbers(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NativeNumbers(e)
		}
		return out
	default:
		return v
	}
}

// QueueMessage is a message received from the durable queue. AckToken is the
// receipt needed to delete the message once it has been fully processed.
type QueueMessage struct {
	MessageID string
	AckToken  string
	Body      string
	// ReceiveCount is the number of times the queue has delivered this message,
	// when the queue reports it. Zero means unknown.
	ReceiveCount int
}

// RawRecord is the unmodified event as persisted to the raw store, tagged with
// the time the consumer received it.
type RawRecord struct {
	Event
	MessageID  string    `json:"messageId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Key is the idempotent upsert key for the raw store. Redelivery of the same
// queue message, or resubmission of an event with the same ID, maps onto the
// same record.
func (r RawRecord) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.MessageID
}

// NormalizedEvent is the unified representation derived from a RawRecord.
type NormalizedEvent struct {
	// RecordKey is the Key of the RawRecord the event was derived from.
	RecordKey         string          `json:"recordKey"`
	UnifiedCampaignID string          `json:"unifiedCampaignId"`
	CampaignName      string          `json:"campaignName"`
	SourcePlatform    string          `json:"sourcePlatform"`
	EventDate         string          `json:"eventDate"`
	Impressions       int64           `json:"impressions"`
	Clicks            int64           `json:"clicks"`
	Spend             decimal.Decimal `json:"spend"`
	Conversions       int64           `json:"conversions"`
}

// Key identifies the stored row. Each raw record yields exactly one row, so
// redelivery overwrites it while distinct events for the same campaign and day
// are kept apart. Events built without a record fall back to NaturalKey.
func (n NormalizedEvent) Key() string {
	if n.RecordKey != "" {
		return n.RecordKey
	}
	return n.NaturalKey()
}

// NaturalKey groups rows by platform, campaign and day.
func (n NormalizedEvent) NaturalKey() string {
	return strings.Join([]string{n.SourcePlatform, n.UnifiedCampaignID, n.EventDate}, "|")
}

// ItemResult is the per-item outcome of a batch publish or insert: either the
// id assigned by the sink or the error for that item.
type ItemResult struct {
	ID  string
	Err error
}
