package patterns

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
)

// UpstreamName labels the central store in breaker state and metrics.
const UpstreamName = "pattern-store"

// CheckResult is the outcome of a pattern and blacklist check.
type CheckResult struct {
	Matches     []Match         `json:"matches"`
	Blacklisted *BlacklistEntry `json:"blacklisted,omitempty"`
	// Offline is set when the local snapshot answered instead of the central store.
	Offline bool `json:"offline"`
	// Available is false when neither replica could answer; the result then
	// contributes nothing.
	Available bool `json:"available"`
}

// Points is the uncapped sum of match contributions.
func (r CheckResult) Points() int { return TotalPoints(r.Matches) }

// Checker reads the central store first and falls back to the local
// snapshot when the central store is unreachable or its circuit is open.
type Checker struct {
	online  Store // nil for a local-only deployment
	local   *LocalStore
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewChecker creates a checker. online may be nil.
func NewChecker(online Store, local *LocalStore, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{online: online, local: local, breaker: breaker, logger: logger.With("component", "patterns.checker")}
}

// Check matches text against the pattern set and looks identifier up in the
// blacklist. Phone-exact patterns are also compared against identifier.
func (c *Checker) Check(ctx context.Context, text, identifier string) CheckResult {
	if c.online != nil {
		res, err := c.checkOnline(ctx, text, identifier)
		if err == nil {
			return res
		}
		c.logger.Warn("central pattern store unavailable, using local snapshot", "error", err)
	}
	return c.checkLocal(text, identifier)
}

func (c *Checker) checkOnline(ctx context.Context, text, identifier string) (CheckResult, error) {
	var res CheckResult
	err := c.guard(ctx, func(ctx context.Context) error {
		matches, err := c.online.Match(ctx, text)
		if err != nil {
			return err
		}
		if identifier != "" {
			idMatches, err := c.online.Match(ctx, identifier)
			if err != nil {
				return err
			}
			matches = mergeMatches(matches, phoneOnly(idMatches))
		}
		entry, err := c.online.IsBlacklisted(ctx, identifier)
		if err != nil {
			return err
		}
		res = CheckResult{Matches: matches, Blacklisted: c.stronger(entry, identifier), Available: true}
		return nil
	})
	return res, err
}

// stronger prefers the local replica's entry when it holds more reports,
// which covers reports taken offline and not yet pushed.
func (c *Checker) stronger(central *BlacklistEntry, identifier string) *BlacklistEntry {
	if c.local == nil || identifier == "" {
		return central
	}
	local, _ := c.local.IsBlacklisted(context.Background(), identifier)
	if local != nil && (central == nil || local.ReportCount > central.ReportCount) {
		return local
	}
	return central
}

func (c *Checker) checkLocal(text, identifier string) CheckResult {
	if c.local == nil || !c.local.Ready() {
		return CheckResult{Offline: true}
	}
	snap := c.local.Snapshot()
	matches := mergeMatches(snap.Match(text), snap.MatchIdentifier(identifier))
	entry, _ := c.local.IsBlacklisted(context.Background(), identifier)
	return CheckResult{Matches: matches, Blacklisted: entry, Offline: true, Available: true}
}

// Report records a report against identifier centrally and mirrors the
// result locally. If the central store is unreachable the report is counted
// locally and queued; the Syncer pushes it once the store is back.
func (c *Checker) Report(ctx context.Context, identifier, category string) (*BlacklistEntry, error) {
	if c.online != nil {
		var entry *BlacklistEntry
		err := c.guard(ctx, func(ctx context.Context) error {
			var err error
			entry, err = c.online.ReportIdentifier(ctx, identifier, category)
			return err
		})
		switch {
		case err == nil:
			if c.local != nil {
				c.local.MirrorBlacklist(*entry)
			}
			return entry, nil
		case errors.Is(err, ErrInvalidPattern):
			return nil, err
		}
		c.logger.Warn("central report failed, recording locally", "error", err)
	}
	if c.local == nil {
		return nil, ErrStoreUnavailable
	}
	if c.online == nil {
		return c.local.ReportIdentifier(ctx, identifier, category)
	}
	return c.local.ReportOffline(ctx, identifier, category)
}

func (c *Checker) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	err := c.breaker.Execute(ctx, UpstreamName, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrStoreUnavailable
	}
	return err
}

func phoneOnly(matches []Match) []Match {
	out := matches[:0:0]
	for _, m := range matches {
		if m.Kind == KindPhoneExact {
			out = append(out, m)
		}
	}
	return out
}

// mergeMatches appends extra to base, skipping pattern IDs already present.
func mergeMatches(base, extra []Match) []Match {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base))
	for _, m := range base {
		seen[m.PatternID] = struct{}{}
	}
	for _, m := range extra {
		if _, ok := seen[m.PatternID]; !ok {
			base = append(base, m)
			seen[m.PatternID] = struct{}{}
		}
	}
	return base
}
