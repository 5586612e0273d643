package dedup

import (
	"sync"

	"github.com/you/holochat-metrics/internal/core"
)

// Deduplicator guards one broadcast's event stream. Only the owning session
// writes to it; the mutex exists for snapshots taken from other goroutines.
type Deduplicator struct {
	mu     sync.Mutex
	filter Filter
}

// NewDeduplicator returns an empty deduplicator for the policy.
func NewDeduplicator(p Policy) *Deduplicator {
	return &Deduplicator{filter: New(p)}
}

// Check tests and, only when absent, records id. novel is true when the event
// should be counted. suspect is true when a bloom filter rejected the id, in
// which case the rejection may be a false positive.
func (d *Deduplicator) Check(id string) (novel, suspect bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.filter.Test(id) {
		return false, !d.filter.Exact()
	}
	d.filter.Add(id)
	return true, false
}

// Exact reports whether the deduplicator is backed by a set.
func (d *Deduplicator) Exact() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.Exact()
}

// Classification is the per-broadcast record of which authors were seen in
// which role. Text message authors are kept per author type, paid message
// authors in one set.
type Classification struct {
	mu     sync.Mutex
	policy Policy
	text   map[core.AuthorType]Filter
	paid   Filter
}

func newClassification(p Policy) *Classification {
	return &Classification{policy: p, text: make(map[core.AuthorType]Filter)}
}

// ObserveText records a text message author and reports whether this is the
// first time the author was seen under any author type.
func (c *Classification) ObserveText(authorID string, t core.AuthorType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.text {
		if f.Test(authorID) {
			return false
		}
	}
	f, ok := c.text[t]
	if !ok {
		f = New(c.policy)
		c.text[t] = f
	}
	f.Add(authorID)
	return true
}

// ObservePaid records a paid message author and reports whether it is new.
func (c *Classification) ObservePaid(authorID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paid == nil {
		c.paid = New(c.policy)
	}
	if c.paid.Test(authorID) {
		return false
	}
	c.paid.Add(authorID)
	return true
}

// Guess returns every role the author has been seen with in text messages.
// It is a best-effort backfill for renderers without badges; when several
// roles are set, Roles.AuthorType resolves them as
// owner > moderator > sponsor > verified.
func (c *Classification) Guess(authorID string) core.Roles {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r core.Roles
	has := func(t core.AuthorType) bool {
		f, ok := c.text[t]
		return ok && f.Test(authorID)
	}
	r.Owner = has(core.AuthorOwner)
	r.Moderator = has(core.AuthorModerator)
	r.Sponsor = has(core.AuthorSponsor)
	r.Verified = has(core.AuthorVerified)
	return r
}
