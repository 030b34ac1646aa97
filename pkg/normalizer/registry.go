// Package normalizer converts source-specific marketing events into the
// unified NormalizedEvent shape.
package normalizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/illmade-knight/go-campaignflow/pkg/types"
)

var (
	// ErrUnknownSource is returned when no normalizer is registered for an
	// event's source.
	ErrUnknownSource = errors.New("unknown event source")
	// ErrInvalidPayload is returned when a payload lacks required fields or has
	// fields of the wrong type.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Normalizer converts the payload of one source platform.
type Normalizer interface {
	Source() string
	Normalize(record types.RawRecord) (types.NormalizedEvent, error)
}

// Registry maps source identifiers to normalizers. It is immutable once built
// and safe for concurrent use.
type Registry struct {
	normalizers map[string]Normalizer
}

// NewRegistry builds a registry, failing on nil normalizers, empty sources and
// duplicate sources. Sources are matched case-insensitively.
func NewRegistry(normalizers ...Normalizer) (*Registry, error) {
	r := &Registry{normalizers: make(map[string]Normalizer, len(normalizers))}
	for i, n := range normalizers {
		if n == nil {
			return nil, fmt.Errorf("normalizer %d is nil", i)
		}
		source := strings.ToLower(strings.TrimSpace(n.Source()))
		if source == "" {
			return nil, fmt.Errorf("normalizer %d (%T) has an empty source", i, n)
		}
		if _, exists := r.normalizers[source]; exists {
			return nil, fmt.Errorf("duplicate normalizer for source %q", source)
		}
		r.normalizers[source] = n
	}
	return r, nil
}

// NewDefaultRegistry returns a registry with every built-in normalizer.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(MetaNormalizer{}, GoogleNormalizer{})
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the normalizer for source.
func (r *Registry) Lookup(source string) (Normalizer, error) {
	n, ok := r.normalizers[strings.ToLower(strings.TrimSpace(source))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return n, nil
}

// Normalize looks up the record's source and applies its normalizer.
func (r *Registry) Normalize(record types.RawRecord) (types.NormalizedEvent, error) {
	n, err := r.Lookup(record.Source)
	if err != nil {
		return types.NormalizedEvent{}, err
	}
	return n.Normalize(record)
}

// Require checks that every listed source has a normalizer, so a deployment
// configured for an unsupported platform fails at startup.
func (r *Registry) Require(sources ...string) error {
	var missing []string
	for _, s := range sources {
		if _, err := r.Lookup(s); err != nil {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: no normalizer for %s", ErrUnknownSource, strings.Join(missing, ", "))
	}
	return nil
}

// Sources lists the registered sources in sorted order.
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.normalizers))
	for s := range r.normalizers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
