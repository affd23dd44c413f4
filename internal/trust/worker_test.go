package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/logging"
)

func TestWorker_RunRecomputesKnownEntities(t *testing.T) {
	g := newTestGraph()
	g.send(t, "alice", "bob", 100, true)
	g.send(t, "carol", "bob", 100, true)

	w := NewWorker(g.Graph, "", logging.Discard())
	res, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entities)
	assert.Equal(t, 3, res.Updated)
	assert.Zero(t, res.Failed)

	bob, err := g.scores.Get(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, RoleRecipient, bob.Role)

	g.clock = g.clock.Add(time.Hour)
	res, err = w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entities)
	assert.LessOrEqual(t, res.Updated, 3)
}

func TestWorker_KeepsStoredRole(t *testing.T) {
	g := newTestGraph()
	ctx := context.Background()
	g.send(t, "shop", "bob", 100, true)
	_, err := g.ComputeScore(ctx, "shop", RoleMerchant)
	require.NoError(t, err)

	_, err = NewWorker(g.Graph, "", logging.Discard()).Run(ctx)
	require.NoError(t, err)

	s, err := g.scores.Get(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, RoleMerchant, s.Role)
}

func TestWorker_InvalidSchedule(t *testing.T) {
	g := newTestGraph()
	w := NewWorker(g.Graph, "every now and then", logging.Discard())
	assert.Error(t, w.Start(context.Background()))
}

func TestWorker_StopEndsStart(t *testing.T) {
	g := newTestGraph()
	w := NewWorker(g.Graph, "@every 1h", logging.Discard())

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		w.Stop()
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
