package trust

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/syncutil"
	"github.com/mbd888/sentinel/internal/traces"
)

const (
	// NeutralScore is given to factors with no evidence either way.
	NeutralScore = 50.0
	// ColdStartTier is the tier of an entity with no history and no reports.
	ColdStartTier = TierMedium

	// ComplaintPenalty is subtracted from the community factor per verified report.
	ComplaintPenalty = 15.0

	// DefaultDepth for BuildGraph.
	DefaultDepth = 2
	// MaxDepth caps BuildGraph walks.
	MaxDepth = 4

	historyLimit  = 1000
	maxGraphNodes = 500
)

// Graph computes and serves trust scores over the transaction graph.
type Graph struct {
	history      HistoryStore
	scores       ScoreStore
	complaints   ComplaintSource    // nil means no reports
	verification VerificationSource // nil means nobody is verified
	weights      Weights
	logger       *slog.Logger
	now          func() time.Time

	locks syncutil.KeyedMutex
}

// Option configures a Graph.
type Option func(*Graph)

// WithComplaints sets the verified complaint source.
func WithComplaints(c ComplaintSource) Option { return func(g *Graph) { g.complaints = c } }

// WithVerification sets the verification source.
func WithVerification(v VerificationSource) Option { return func(g *Graph) { g.verification = v } }

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) Option { return func(g *Graph) { g.weights = w } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Graph) { g.logger = l } }

// NewGraph creates a trust graph over the given stores.
func NewGraph(history HistoryStore, scores ScoreStore, opts ...Option) *Graph {
	g := &Graph{
		history: history,
		scores:  scores,
		weights: DefaultWeights,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	g.logger = g.logger.With("component", "trust")
	return g
}

// inputs are everything a score is derived from.
type inputs struct {
	edges    []Edge
	reports  int
	verified bool
	// neighbors maps each direct counterparty to its stored score, or
	// NeutralScore when unscored.
	neighbors map[string]float64
}

// ComputeScore recomputes the trust score for entityID. Neighbor reputation
// is read from stored scores, so the computation never recurses. When the
// result equals the stored record the stored record is returned unchanged.
func (g *Graph) ComputeScore(ctx context.Context, entityID string, role Role) (*Score, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" || !role.Valid() {
		return nil, fmt.Errorf("%w: id=%q role=%q", ErrInvalidEntity, entityID, role)
	}

	ctx, span := traces.StartSpan(ctx, "trust.ComputeScore", traces.EntityID(entityID))
	defer span.End()

	unlock, err := g.locks.LockContext(ctx, entityID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	in, err := g.gather(ctx, entityID)
	if err != nil {
		metrics.TrustRecomputesTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	b := breakdownOf(entityID, in)
	score := g.weights.Combine(b)

	stored, err := g.scores.Get(ctx, entityID)
	if err != nil {
		metrics.TrustRecomputesTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("load trust score: %w", err)
	}
	if stored != nil && stored.Role == role && stored.Breakdown == b && stored.Score == score {
		metrics.TrustRecomputesTotal.WithLabelValues("unchanged").Inc()
		span.SetAttributes(traces.RiskScore(stored.Score))
		return stored, nil
	}

	next := &Score{
		EntityID:  entityID,
		Role:      role,
		Score:     score,
		Breakdown: b,
		Tier:      tierOf(score, in),
		UpdatedAt: g.now().UTC().Truncate(time.Microsecond),
	}
	if err := g.scores.Put(ctx, next); err != nil {
		metrics.TrustRecomputesTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("store trust score: %w", err)
	}
	metrics.TrustRecomputesTotal.WithLabelValues("updated").Inc()
	span.SetAttributes(traces.RiskScore(score))
	return next, nil
}

// Get returns the stored score for entityID, or nil if it has never been
// scored.
func (g *Graph) Get(ctx context.Context, entityID string) (*Score, error) {
	return g.scores.Get(ctx, entityID)
}

// RecordTransaction adds an observed transaction to history. Scores are
// picked up on the next recompute.
func (g *Graph) RecordTransaction(ctx context.Context, e Edge) error {
	if e.From == "" || e.To == "" || e.TransactionID == "" {
		return fmt.Errorf("%w: edge needs from, to and transaction id", ErrInvalidEntity)
	}
	return g.history.RecordEdge(ctx, e)
}

func (g *Graph) gather(ctx context.Context, entityID string) (inputs, error) {
	var in inputs
	edges, err := g.history.Edges(ctx, entityID, historyLimit)
	if err != nil {
		return in, fmt.Errorf("load history: %w", err)
	}
	in.edges = edges

	if g.complaints != nil {
		if in.reports, err = g.complaints.VerifiedReports(ctx, entityID); err != nil {
			return in, fmt.Errorf("load complaints: %w", err)
		}
	}
	if g.verification != nil {
		if in.verified, err = g.verification.IsVerified(ctx, entityID); err != nil {
			return in, fmt.Errorf("load verification: %w", err)
		}
	}

	ids := neighborIDs(entityID, edges)
	in.neighbors = make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return in, nil
	}
	stored, err := g.scores.GetMany(ctx, ids)
	if err != nil {
		return in, fmt.Errorf("load neighbor scores: %w", err)
	}
	for _, id := range ids {
		if s, ok := stored[id]; ok && s != nil {
			in.neighbors[id] = s.Score
		} else {
			in.neighbors[id] = NeutralScore
		}
	}
	return in, nil
}

// neighborIDs returns the sorted distinct counterparties of entityID.
func neighborIDs(entityID string, edges []Edge) []string {
	seen := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		if o := e.Other(entityID); o != entityID {
			seen[o] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// breakdownOf derives the factor scores. It is a pure function of its
// inputs; iteration is over sorted keys so float sums are order-stable.
func breakdownOf(entityID string, in inputs) Breakdown {
	community := math.Max(0, 100-ComplaintPenalty*float64(in.reports))

	if len(in.edges) == 0 {
		// No history: neutral on everything except evidence we do have.
		b := Breakdown{
			History:      NeutralScore,
			Community:    NeutralScore,
			Behavioral:   NeutralScore,
			Network:      NeutralScore,
			Verification: NeutralScore,
		}
		if in.reports > 0 {
			b.Community = community
		}
		return b
	}

	b := Breakdown{
		History:    historyFactor(in.edges),
		Community:  community,
		Behavioral: behavioralFactor(entityID, in.edges),
		Network:    networkFactor(in.neighbors),
	}
	if in.verified {
		b.Verification = 100
	}
	return b
}

// historyFactor is the success ratio scaled to 90 plus a volume bonus of up
// to 10.
func historyFactor(edges []Edge) float64 {
	n := len(edges)
	ok := 0
	for _, e := range edges {
		if e.Succeeded {
			ok++
		}
	}
	ratio := float64(ok) / float64(n)
	bonus := math.Min(10, math.Log10(float64(n)+1)*5)
	return round2(math.Min(100, ratio*90+bonus))
}

// behavioralFactor scores the spread of amounts the entity sent, or of all
// amounts it took part in when it never sent. Lower coefficient of
// variation means higher consistency.
func behavioralFactor(entityID string, edges []Edge) float64 {
	amounts := make([]float64, 0, len(edges))
	for _, e := range edges {
		if e.From == entityID {
			amounts = append(amounts, e.Amount.InexactFloat64())
		}
	}
	if len(amounts) < 2 {
		amounts = amounts[:0]
		for _, e := range edges {
			amounts = append(amounts, e.Amount.InexactFloat64())
		}
	}
	if len(amounts) < 2 {
		return NeutralScore
	}

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	mean := sum / float64(len(amounts))
	if mean <= 0 {
		return NeutralScore
	}
	var sq float64
	for _, a := range amounts {
		d := a - mean
		sq += d * d
	}
	cv := math.Sqrt(sq/float64(len(amounts))) / mean
	return round2(100 * (1 - math.Min(cv, 1)))
}

func networkFactor(neighbors map[string]float64) float64 {
	if len(neighbors) == 0 {
		return NeutralScore
	}
	ids := make([]string, 0, len(neighbors))
	for id := range neighbors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var sum float64
	for _, id := range ids {
		sum += neighbors[id]
	}
	return round2(sum / float64(len(ids)))
}

// tierOf places entities without any evidence in the medium tier so that
// being new is never treated as high risk.
func tierOf(score float64, in inputs) Tier {
	if len(in.edges) == 0 && in.reports == 0 {
		return ColdStartTier
	}
	return TierFor(score)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Node is one entity in a graph view.
type Node struct {
	EntityID string  `json:"entityId"`
	Depth    int     `json:"depth"`
	Score    float64 `json:"score"`
	Tier     Tier    `json:"tier"`
	Scored   bool    `json:"scored"`
}

// GraphEdge aggregates the transactions from one entity to another.
type GraphEdge struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Count     int             `json:"count"`
	Total     decimal.Decimal `json:"total"`
	Succeeded int             `json:"succeeded"`
}

// View is the neighborhood of an entity.
type View struct {
	Root      string      `json:"root"`
	Depth     int         `json:"depth"`
	Nodes     []Node      `json:"nodes"`
	Edges     []GraphEdge `json:"edges"`
	Truncated bool        `json:"truncated,omitempty"`
}

// BuildGraph walks observed edges breadth-first from entityID up to depth
// hops, visiting each entity once. Nodes carry their stored score; unscored
// entities show the neutral score with Scored=false. Nothing is recomputed.
func (g *Graph) BuildGraph(ctx context.Context, entityID string, depth int) (*View, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidEntity)
	}
	if depth < 0 {
		depth = 0
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}

	view := &View{Root: entityID, Depth: depth}
	visited := map[string]int{entityID: 0}
	order := []string{entityID}
	type pair struct{ from, to string }
	agg := make(map[pair]*GraphEdge)
	seenTx := make(map[string]struct{})

	frontier := []string{entityID}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			edges, err := g.history.Edges(ctx, id, historyLimit)
			if err != nil {
				return nil, fmt.Errorf("load history for %s: %w", id, err)
			}
			for _, e := range edges {
				if _, dup := seenTx[e.TransactionID]; !dup {
					seenTx[e.TransactionID] = struct{}{}
					k := pair{e.From, e.To}
					ge, ok := agg[k]
					if !ok {
						ge = &GraphEdge{From: e.From, To: e.To}
						agg[k] = ge
					}
					ge.Count++
					ge.Total = ge.Total.Add(e.Amount)
					if e.Succeeded {
						ge.Succeeded++
					}
				}

				other := e.Other(id)
				if _, ok := visited[other]; ok {
					continue
				}
				if len(visited) >= maxGraphNodes {
					view.Truncated = true
					continue
				}
				visited[other] = d + 1
				order = append(order, other)
				next = append(next, other)
			}
		}
		frontier = next
	}

	stored, err := g.scores.GetMany(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	view.Nodes = make([]Node, 0, len(order))
	for _, id := range order {
		n := Node{EntityID: id, Depth: visited[id], Score: NeutralScore, Tier: ColdStartTier}
		if s, ok := stored[id]; ok && s != nil {
			n.Score, n.Tier, n.Scored = s.Score, s.Tier, true
		}
		view.Nodes = append(view.Nodes, n)
	}

	view.Edges = make([]GraphEdge, 0, len(agg))
	for _, ge := range agg {
		// edges to nodes cut off by the node cap are dropped
		if _, ok := visited[ge.From]; !ok {
			continue
		}
		if _, ok := visited[ge.To]; !ok {
			continue
		}
		view.Edges = append(view.Edges, *ge)
	}
	sort.Slice(view.Edges, func(i, j int) bool {
		if view.Edges[i].From != view.Edges[j].From {
			return view.Edges[i].From < view.Edges[j].From
		}
		return view.Edges[i].To < view.Edges[j].To
	})
	return view, nil
}
