package patterns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/testutil"
)

func TestPostgresStore_ChangesAndMatch(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	require.NoError(t, s.UpsertPatterns(ctx, samplePatterns()))

	all, err := s.PatternChanges(ctx, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)

	page, err := s.PatternChanges(ctx, Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	rest, err := s.PatternChanges(ctx, patternCursor(page[1]), 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	matches, err := s.Match(ctx, "you have won")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.NoError(t, s.UpsertPatterns(ctx, []ThreatPattern{{ID: "kw-prize", Deleted: true}}))
	matches, err = s.Match(ctx, "you have won")
	require.NoError(t, err)
	assert.Empty(t, matches, "tombstone reaches the cached snapshot")
}

func TestPostgresStore_ReportIdentifier(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)

	e, err := s.IsBlacklisted(ctx, "+254700000001")
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = s.ReportIdentifier(ctx, "+254 700 000 001", "mule")
	require.NoError(t, err)
	e, err = s.ReportIdentifier(ctx, "+254700000001", "")
	require.NoError(t, err)
	assert.Equal(t, 2, e.ReportCount)
	assert.Equal(t, "mule", e.Category)

	changes, err := s.BlacklistChanges(ctx, Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "+254700000001", changes[0].Identifier)
}
