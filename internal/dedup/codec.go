package dedup

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/goccy/go-json"
)

// Type tags written into snapshots.
const (
	TagSet         = "Set"
	TagBloom       = "BloomFilter"
	TagLegacyBloom = "bloom-filter"
)

// ErrUnreadableFilter is returned for encodings that cannot be rebuilt, such as
// bloom filters written by the previous generation of the service.
var ErrUnreadableFilter = errors.New("dedup: unreadable filter encoding")

type envelope struct {
	Type          string             `json:"type"`
	Data          []string           `json:"data,omitempty"`
	Capacity      uint               `json:"capacity,omitempty"`
	FalsePositive float64            `json:"errorRate,omitempty"`
	Filter        *bloom.BloomFilter `json:"filter,omitempty"`
}

// Encode serialises a filter with its type discriminator.
func Encode(f Filter) (json.RawMessage, error) {
	var env envelope
	switch v := f.(type) {
	case *set:
		env = envelope{Type: TagSet, Data: v.sorted()}
	case *bloomFilter:
		env = envelope{Type: TagBloom, Capacity: v.capacity, FalsePositive: v.falsePositive, Filter: v.f}
	default:
		return nil, fmt.Errorf("dedup: cannot encode %T", f)
	}
	return json.Marshal(env)
}

// Decode rebuilds a filter from Encode output. Legacy bloom encodings are
// accepted when they carry a readable bit array.
func Decode(raw json.RawMessage) (Filter, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("dedup: decode filter: %w", err)
	}
	switch head.Type {
	case TagSet:
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("dedup: decode set: %w", err)
		}
		return newSet(env.Data), nil
	case TagBloom, TagLegacyBloom:
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Filter == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnreadableFilter, head.Type)
		}
		return &bloomFilter{capacity: env.Capacity, falsePositive: env.FalsePositive, f: env.Filter}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrUnreadableFilter, head.Type)
}

// IsFilter reports whether raw looks like a single encoded filter rather than
// a map of them.
func IsFilter(raw json.RawMessage) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return false
	}
	return head.Type != ""
}
