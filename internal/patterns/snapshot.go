package patterns

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

type compiled struct {
	pattern ThreatPattern
	re      *regexp.Regexp
	needle  string // lowercased keyword or normalized identifier
}

func (c *compiled) match() Match {
	return Match{
		PatternID:   c.pattern.ID,
		Kind:        c.pattern.Kind,
		Severity:    c.pattern.Severity,
		Points:      c.pattern.Points(),
		Description: c.pattern.Description,
	}
}

// Snapshot is an immutable, compiled pattern set. It is never modified after
// construction; Apply returns a new Snapshot.
type Snapshot struct {
	byID      map[string]ThreatPattern // includes tombstones
	active    []*compiled              // sorted by pattern ID
	watermark Cursor
	syncedAt  time.Time
}

// EmptySnapshot has no patterns and a zero watermark.
func EmptySnapshot() *Snapshot {
	return &Snapshot{byID: map[string]ThreatPattern{}}
}

// Apply merges changes by pattern ID and returns the resulting snapshot.
// A change replaces the held version only if it supersedes it, so applying
// the same changes again, or in a different order, yields the same set.
// Invalid patterns are skipped and returned as errors.
func (s *Snapshot) Apply(changes []ThreatPattern, at time.Time) (next *Snapshot, applied int, rejected []error) {
	byID := make(map[string]ThreatPattern, len(s.byID)+len(changes))
	for id, p := range s.byID {
		byID[id] = p
	}
	watermark := s.watermark

	for _, p := range changes {
		// rejected changes still move the watermark so a bad row is skipped, not refetched
		if c := patternCursor(p); watermark.Before(c) {
			watermark = c
		}
		if err := p.Validate(); err != nil {
			rejected = append(rejected, err)
			continue
		}
		if held, ok := byID[p.ID]; ok && !supersedes(p, held) {
			continue
		}
		byID[p.ID] = p
		applied++
	}

	if applied == 0 && watermark == s.watermark {
		next = &Snapshot{byID: s.byID, active: s.active, watermark: s.watermark, syncedAt: at}
		return next, 0, rejected
	}
	return build(byID, watermark, at), applied, rejected
}

func build(byID map[string]ThreatPattern, watermark Cursor, at time.Time) *Snapshot {
	active := make([]*compiled, 0, len(byID))
	for _, p := range byID {
		if p.Deleted {
			continue
		}
		c := &compiled{pattern: p}
		switch p.Kind {
		case KindRegex:
			c.re = regexp.MustCompile("(?i)" + p.Expression) // validated on Apply
		case KindKeyword:
			c.needle = strings.ToLower(p.Expression)
		case KindPhoneExact:
			c.needle = NormalizeIdentifier(p.Expression)
		}
		active = append(active, c)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].pattern.ID < active[j].pattern.ID })
	return &Snapshot{byID: byID, active: active, watermark: watermark, syncedAt: at}
}

// Match returns every active pattern matching text. Regex patterns are
// searched case-insensitively over the whole text, keywords are
// case-insensitive substrings, and phone-exact patterns must equal one of
// the identifier-like tokens of text.
func (s *Snapshot) Match(text string) []Match {
	if text == "" || len(s.active) == 0 {
		return nil
	}
	lower := strings.ToLower(text)
	var tokens map[string]struct{}

	var out []Match
	for _, c := range s.active {
		switch c.pattern.Kind {
		case KindRegex:
			if c.re.MatchString(text) {
				out = append(out, c.match())
			}
		case KindKeyword:
			if strings.Contains(lower, c.needle) {
				out = append(out, c.match())
			}
		case KindPhoneExact:
			if tokens == nil {
				tokens = identifierTokens(text)
			}
			if _, ok := tokens[c.needle]; ok {
				out = append(out, c.match())
			}
		}
	}
	return out
}

// MatchIdentifier returns the phone-exact patterns equal to identifier.
func (s *Snapshot) MatchIdentifier(identifier string) []Match {
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return nil
	}
	var out []Match
	for _, c := range s.active {
		if c.pattern.Kind == KindPhoneExact && c.needle == id {
			out = append(out, c.match())
		}
	}
	return out
}

func identifierTokens(text string) map[string]struct{} {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(",;:!?\"'", r)
	})
	tokens := make(map[string]struct{}, len(fields)+1)
	for _, f := range fields {
		tokens[NormalizeIdentifier(f)] = struct{}{}
	}
	tokens[NormalizeIdentifier(text)] = struct{}{}
	return tokens
}

// Patterns returns the active patterns sorted by ID.
func (s *Snapshot) Patterns() []ThreatPattern {
	out := make([]ThreatPattern, len(s.active))
	for i, c := range s.active {
		out[i] = c.pattern
	}
	return out
}

// All returns active patterns and tombstones sorted by ID.
func (s *Snapshot) All() []ThreatPattern {
	out := make([]ThreatPattern, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of active patterns.
func (s *Snapshot) Len() int { return len(s.active) }

// Watermark is the highest change cursor applied to this snapshot.
func (s *Snapshot) Watermark() Cursor { return s.watermark }

// SyncedAt is when the snapshot was last refreshed from a source.
func (s *Snapshot) SyncedAt() time.Time { return s.syncedAt }
