// Package dedup holds the per-broadcast membership structures: event id
// filters that keep an event from being counted twice, and the author sets
// used for unique-user counting and role backfill.
package dedup

import (
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
)

// Filter is an append-only membership structure.
type Filter interface {
	Test(id string) bool
	Add(id string)
	// Exact reports whether a positive Test is authoritative.
	Exact() bool
}

// Mode selects the backing structure of a Filter.
type Mode int

const (
	ModeBloom Mode = iota
	ModeExact
)

func (m Mode) String() string {
	if m == ModeExact {
		return "exact"
	}
	return "bloom"
}

// Policy is fixed when a filter is created.
type Policy struct {
	Mode          Mode
	Capacity      uint
	FalsePositive float64
}

// Exact returns a policy backed by a plain set.
func Exact() Policy { return Policy{Mode: ModeExact} }

// Bloom returns a probabilistic policy sized for capacity entries.
func Bloom(capacity uint, falsePositive float64) Policy {
	return Policy{Mode: ModeBloom, Capacity: capacity, FalsePositive: falsePositive}
}

const (
	defaultCapacity      = 100_000
	defaultFalsePositive = 0.001
)

// New builds an empty filter for the policy.
func New(p Policy) Filter {
	if p.Mode == ModeExact {
		return newSet(nil)
	}
	if p.Capacity == 0 {
		p.Capacity = defaultCapacity
	}
	if p.FalsePositive <= 0 || p.FalsePositive >= 1 {
		p.FalsePositive = defaultFalsePositive
	}
	return &bloomFilter{
		capacity:      p.Capacity,
		falsePositive: p.FalsePositive,
		f:             bloom.NewWithEstimates(p.Capacity, p.FalsePositive),
	}
}

// Sizing chooses a Policy from a broadcast's expected volume. A viewer count
// of zero means unknown and is treated as high traffic.
type Sizing struct {
	ExactBelowViewers int
	SmallBelowViewers int
	SmallCapacity     uint
	LargeCapacity     uint
	FalsePositive     float64
}

// DefaultSizing is used when no tunables are configured.
var DefaultSizing = Sizing{
	ExactBelowViewers: 500,
	SmallBelowViewers: 10_000,
	SmallCapacity:     50_000,
	LargeCapacity:     500_000,
	FalsePositive:     defaultFalsePositive,
}

// For returns the policy for a broadcast with the given viewer count.
func (s Sizing) For(viewers int) Policy {
	switch {
	case viewers > 0 && viewers < s.ExactBelowViewers:
		return Exact()
	case viewers > 0 && viewers < s.SmallBelowViewers:
		return Bloom(s.SmallCapacity, s.FalsePositive)
	}
	return Bloom(s.LargeCapacity, s.FalsePositive)
}

type bloomFilter struct {
	capacity      uint
	falsePositive float64
	f             *bloom.BloomFilter
}

func (b *bloomFilter) Test(id string) bool { return b.f.TestString(id) }
func (b *bloomFilter) Add(id string)       { b.f.AddString(id) }
func (b *bloomFilter) Exact() bool         { return false }

type set struct {
	m map[string]struct{}
}

func newSet(ids []string) *set {
	s := &set{m: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.m[id] = struct{}{}
	}
	return s
}

func (s *set) Test(id string) bool {
	_, ok := s.m[id]
	return ok
}

func (s *set) Add(id string) { s.m[id] = struct{}{} }
func (s *set) Exact() bool   { return true }

func (s *set) sorted() []string {
	out := make([]string, 0, len(s.m))
	for id := range s.m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
