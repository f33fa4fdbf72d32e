package conversation

import (
	"strings"
	"time"
)

// DefaultDedupWindow is how long an identical final turn counts as a repeat.
const DefaultDedupWindow = 3 * time.Second

// DedupRecord is the most recently accepted final turn.
type DedupRecord struct {
	Normalized string
	At         time.Time
}

// Deduplicator drops a final turn that repeats the previous one within the
// window. It keeps a single record, not a history.
type Deduplicator struct {
	window time.Duration
	last   DedupRecord
	set    bool
}

func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{window: window}
}

// NormalizeText lowercases, collapses whitespace runs and trims.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Accept reports whether text is new speech and, if so, records it.
func (d *Deduplicator) Accept(text string, now time.Time) bool {
	normalized := NormalizeText(text)
	if d.set && normalized == d.last.Normalized && now.Sub(d.last.At) < d.window {
		return false
	}
	d.last = DedupRecord{Normalized: normalized, At: now}
	d.set = true
	return true
}

// Last returns the current record, if any.
func (d *Deduplicator) Last() (DedupRecord, bool) { return d.last, d.set }

func (d *Deduplicator) Reset() {
	d.last = DedupRecord{}
	d.set = false
}
