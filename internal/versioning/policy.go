// Package versioning decides when a live document is worth a new version
// record and keeps its latest snapshot flushed.
package versioning

import (
	"crypto/sha256"
	"time"
)

// Decision is the outcome of evaluating a change event.
type Decision string

const (
	// DecisionSave means a new version should be persisted.
	DecisionSave Decision = "save"
	// DecisionDebounced means the minimum interval since the last save has not elapsed.
	DecisionDebounced Decision = "debounced"
	// DecisionUnchanged means the text equals the last saved text.
	DecisionUnchanged Decision = "unchanged"
)

// Policy is the per-document save state machine. It is not safe for
// concurrent use; callers serialize evaluations per document.
type Policy struct {
	minInterval     time.Duration
	lastSavedAt     time.Time
	lastSavedDigest [sha256.Size]byte
}

// NewPolicy starts a policy from the state the document was loaded with,
// which counts as the last save.
func NewPolicy(minInterval time.Duration, baselineAt time.Time, baselineText string) *Policy {
	return &Policy{
		minInterval:     minInterval,
		lastSavedAt:     baselineAt,
		lastSavedDigest: sha256.Sum256([]byte(baselineText)),
	}
}

// Due reports whether the minimum interval has elapsed at now.
func (p *Policy) Due(now time.Time) bool {
	return now.Sub(p.lastSavedAt) >= p.minInterval
}

// Evaluate decides what to do with the current text at now.
func (p *Policy) Evaluate(now time.Time, text string) Decision {
	if !p.Due(now) {
		return DecisionDebounced
	}
	if sha256.Sum256([]byte(text)) == p.lastSavedDigest {
		return DecisionUnchanged
	}
	return DecisionSave
}

// Record marks text as saved at now.
func (p *Policy) Record(now time.Time, text string) {
	p.lastSavedAt = now
	p.lastSavedDigest = sha256.Sum256([]byte(text))
}

// LastSavedAt returns the time of the last recorded save.
func (p *Policy) LastSavedAt() time.Time {
	return p.lastSavedAt
}
