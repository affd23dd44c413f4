// Package patterns holds threat patterns and the identifier blacklist.
//
// The same contract is served by two deployments: a central, network-backed
// store and a local store that keeps the last-synced snapshot on disk so that
// matching works with no network access at all. A Syncer pulls deltas from
// the central store into the local one; readers always see a complete,
// immutable Snapshot.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrStoreUnavailable means the backing store could not be reached.
	ErrStoreUnavailable = errors.New("patterns: store unavailable")
	// ErrInvalidPattern is returned for patterns that fail validation.
	ErrInvalidPattern = errors.New("patterns: invalid pattern")
)

// Kind is how a pattern's expression is matched.
type Kind string

const (
	KindRegex      Kind = "regex"
	KindKeyword    Kind = "keyword"
	KindPhoneExact Kind = "phone-exact"
)

// Severity of a threat pattern.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// keywordDefaultPoints applies to keyword patterns curated without a severity,
// which is common in locally provisioned pattern packs.
const keywordDefaultPoints = 15

// Points returns the risk contribution of one match at severity s.
func (s Severity) Points() int {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityHigh:
		return 30
	case SeverityMedium:
		return 20
	case SeverityLow:
		return 10
	default:
		return 0
	}
}

// Valid reports whether s is a known severity. Empty is valid.
func (s Severity) Valid() bool {
	switch s {
	case "", SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// ThreatPattern is a curated matching rule. Deleted marks a tombstone that
// travels through sync so that removals propagate.
type ThreatPattern struct {
	ID          string    `json:"id" yaml:"id"`
	Kind        Kind      `json:"kind" yaml:"kind"`
	Expression  string    `json:"expression" yaml:"expression"`
	Severity    Severity  `json:"severity,omitempty" yaml:"severity,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updatedAt"`
	Deleted     bool      `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// Validate checks the pattern is well formed and, for regex, compiles.
func (p *ThreatPattern) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPattern)
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("%w: %s: unknown severity %q", ErrInvalidPattern, p.ID, p.Severity)
	}
	if p.Deleted {
		return nil
	}
	if strings.TrimSpace(p.Expression) == "" {
		return fmt.Errorf("%w: %s: expression is required", ErrInvalidPattern, p.ID)
	}
	switch p.Kind {
	case KindKeyword, KindPhoneExact:
	case KindRegex:
		if _, err := regexp.Compile("(?i)" + p.Expression); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPattern, p.ID, err)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidPattern, p.ID, p.Kind)
	}
	return nil
}

// Points returns the contribution of one match of p.
func (p *ThreatPattern) Points() int {
	if p.Kind == KindKeyword && p.Severity == "" {
		return keywordDefaultPoints
	}
	return p.Severity.Points()
}

// BlacklistEntry is a known-bad identifier (phone number, merchant ID).
type BlacklistEntry struct {
	Identifier   string    `json:"identifier" yaml:"identifier"`
	ReportCount  int       `json:"reportCount" yaml:"reportCount"`
	Category     string    `json:"category,omitempty" yaml:"category,omitempty"`
	LastReported time.Time `json:"lastReported" yaml:"lastReported"`
}

// Match is one pattern that matched the evaluated text.
type Match struct {
	PatternID   string   `json:"patternId"`
	Kind        Kind     `json:"kind"`
	Severity    Severity `json:"severity,omitempty"`
	Points      int      `json:"points"`
	Description string   `json:"description,omitempty"`
}

// TotalPoints sums the contributions of matches. The sum is not capped.
func TotalPoints(matches []Match) int {
	total := 0
	for _, m := range matches {
		total += m.Points
	}
	return total
}

// Store is the contract shared by the central and local deployments.
// IsBlacklisted returns a nil entry when the identifier is not listed.
type Store interface {
	Match(ctx context.Context, text string) ([]Match, error)
	IsBlacklisted(ctx context.Context, identifier string) (*BlacklistEntry, error)
	ReportIdentifier(ctx context.Context, identifier, category string) (*BlacklistEntry, error)
}

// Cursor is a sync watermark. Changes are ordered by (At, ID) so that pages
// never split a group of rows sharing a timestamp.
type Cursor struct {
	At time.Time `json:"at" yaml:"at"`
	ID string    `json:"id" yaml:"id"`
}

// Before reports whether c sorts strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.At.Equal(o.At) {
		return c.At.Before(o.At)
	}
	return c.ID < o.ID
}

// Source supplies pattern and blacklist changes after a watermark, ordered
// by cursor, at most limit per call.
type Source interface {
	PatternChanges(ctx context.Context, after Cursor, limit int) ([]ThreatPattern, error)
	BlacklistChanges(ctx context.Context, after Cursor, limit int) ([]BlacklistEntry, error)
}

// Curator accepts pattern upserts and tombstones from the curation process.
type Curator interface {
	UpsertPatterns(ctx context.Context, patterns []ThreatPattern) error
}

// NormalizeIdentifier canonicalizes phone numbers and merchant IDs for exact
// comparison: separators are dropped and letters lowercased.
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.TrimSpace(s) {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

func patternCursor(p ThreatPattern) Cursor { return Cursor{At: p.UpdatedAt, ID: p.ID} }

func blacklistCursor(e BlacklistEntry) Cursor {
	return Cursor{At: e.LastReported, ID: NormalizeIdentifier(e.Identifier)}
}

// supersedes reports whether a should replace b when both carry the same ID.
// The order is total so that merging is independent of arrival order.
func supersedes(a, b ThreatPattern) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if a.Deleted != b.Deleted {
		return a.Deleted
	}
	if a.Expression != b.Expression {
		return a.Expression > b.Expression
	}
	if a.Kind != b.Kind {
		return a.Kind > b.Kind
	}
	if a.Severity != b.Severity {
		return a.Severity.Points() > b.Severity.Points()
	}
	return a.Description > b.Description
}

// entrySupersedes is supersedes for blacklist entries.
func entrySupersedes(a, b BlacklistEntry) bool {
	if !a.LastReported.Equal(b.LastReported) {
		return a.LastReported.After(b.LastReported)
	}
	if a.ReportCount != b.ReportCount {
		return a.ReportCount > b.ReportCount
	}
	return a.Category > b.Category
}
