package trust

import (
	"context"

	"github.com/mbd888/sentinel/internal/patterns"
)

// BlacklistLookup is the part of a pattern store that knows report counts.
type BlacklistLookup interface {
	IsBlacklisted(ctx context.Context, identifier string) (*patterns.BlacklistEntry, error)
}

// BlacklistComplaints counts verified complaints as blacklist reports.
type BlacklistComplaints struct {
	Lookup BlacklistLookup
}

func (b BlacklistComplaints) VerifiedReports(ctx context.Context, entityID string) (int, error) {
	e, err := b.Lookup.IsBlacklisted(ctx, entityID)
	if err != nil || e == nil {
		return 0, err
	}
	return e.ReportCount, nil
}
