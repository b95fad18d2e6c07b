// Package search ranks nodes for a query by fusing vector similarity and
// BM25 lexical relevance, then discounting stale and drifted results.
//
// Scoring is multiplicative on top of Reciprocal Rank Fusion:
//
//	adjusted = rrf(vector_rank, lexical_rank) x 0.5^(age/half_life) x (1 - penalty(drift))
//
// so a stale or high-drift node can only lose score, never gain, and a
// node absent from both legs scores zero. Nodes whose embedding is not
// ready are excluded from the vector leg entirely; they may still surface
// lexically, flagged vector_excluded in the explain payload.
package search

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/orneryd/huginn/pkg/embed"
	"github.com/orneryd/huginn/pkg/storage"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeSimilarity Mode = "similarity" // vector leg only
	ModeBM25       Mode = "bm25"       // lexical leg only
	ModeHybrid     Mode = "hybrid"     // both legs, RRF-fused (default)
)

// ParseMode normalizes a mode string; empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeHybrid, nil
	case ModeSimilarity, ModeBM25, ModeHybrid:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown search mode %q", s)
	}
}

// Explain reports how one result's score was assembled. Required for
// auditability: every factor applied to the final score is visible.
type Explain struct {
	// VectorRank is the 1-based position in the vector leg, 0 if absent.
	VectorRank     int     `json:"vector_rank,omitempty"`
	VectorDistance float64 `json:"vector_distance,omitempty"`

	// BM25Rank is the 1-based position in the lexical leg, 0 if absent.
	BM25Rank     int     `json:"bm25_rank,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`

	FusionScore  float64 `json:"fusion_score"`
	DecayFactor  float64 `json:"decay_factor"`
	DriftPenalty float64 `json:"drift_penalty"`

	// VectorExcluded marks a lexical-only surface whose embedding was not
	// ready and therefore never competed in the vector leg.
	VectorExcluded bool `json:"vector_excluded,omitempty"`

	// VectorLegDegraded and LexicalLegDegraded mark a hybrid query whose
	// named leg failed, so the ranking fused fewer sources than requested.
	VectorLegDegraded  bool `json:"vector_leg_degraded,omitempty"`
	LexicalLegDegraded bool `json:"lexical_leg_degraded,omitempty"`
}

// Result is one ranked hit.
type Result struct {
	NodeID  storage.NodeID `json:"node_id"`
	Score   float64        `json:"score"`
	Explain Explain        `json:"explain"`
}

// Options tunes ranking.
type Options struct {
	// RRFK is the RRF smoothing constant (default 60).
	RRFK int

	// HalfLife is the recency half-life: a node last refreshed one
	// half-life ago scores half of a just-refreshed one, all else equal.
	HalfLife time.Duration

	// DriftPenaltyMax caps the drift penalty: penalty = max x min(drift, 1).
	DriftPenaltyMax float64

	// LegTimeout bounds each sub-search independently. In hybrid mode a
	// timed-out leg degrades the query to single-source ranking.
	LegTimeout time.Duration

	// CandidateMultiplier sizes each leg's candidate set as a multiple of
	// top_k, for recall headroom before fusion truncates.
	CandidateMultiplier int
}

func (o Options) withDefaults() Options {
	if o.RRFK <= 0 {
		o.RRFK = 60
	}
	if o.HalfLife <= 0 {
		o.HalfLife = 7 * 24 * time.Hour
	}
	if o.DriftPenaltyMax <= 0 {
		o.DriftPenaltyMax = 0.5
	}
	if o.LegTimeout <= 0 {
		o.LegTimeout = 2 * time.Second
	}
	if o.CandidateMultiplier <= 0 {
		o.CandidateMultiplier = 3
	}
	return o
}

// Service executes searches against the store's vector and lexical
// primitives. Stateless between calls; safe for concurrent use.
type Service struct {
	engine   storage.Engine
	embedder embed.Embedder
	opts     Options
}

// NewService builds a search service.
func NewService(engine storage.Engine, embedder embed.Embedder, opts Options) *Service {
	return &Service{engine: engine, embedder: embedder, opts: opts.withDefaults()}
}

type legResult struct {
	vector  []storage.VectorMatch
	lexical []storage.TextMatch
	err     error
}

// Search runs the query and returns at most topK ranked results.
func (s *Service) Search(ctx context.Context, tenantID, query string, topK int, mode Mode) ([]Result, error) {
	if topK <= 0 {
		topK = 10
	}
	candidates := topK * s.opts.CandidateMultiplier

	wantVector := mode == ModeSimilarity || mode == ModeHybrid
	wantLexical := mode == ModeBM25 || mode == ModeHybrid

	var vectorCh, lexicalCh chan legResult
	if wantVector {
		vectorCh = make(chan legResult, 1)
		go func() {
			legCtx, cancel := context.WithTimeout(ctx, s.opts.LegTimeout)
			defer cancel()
			matches, err := s.vectorLeg(legCtx, tenantID, query, candidates)
			vectorCh <- legResult{vector: matches, err: err}
		}()
	}
	if wantLexical {
		lexicalCh = make(chan legResult, 1)
		go func() {
			legCtx, cancel := context.WithTimeout(ctx, s.opts.LegTimeout)
			defer cancel()
			matches, err := s.lexicalLeg(legCtx, tenantID, query, candidates)
			lexicalCh <- legResult{lexical: matches, err: err}
		}()
	}

	var vectorMatches []storage.VectorMatch
	var lexicalMatches []storage.TextMatch
	var vectorErr, lexicalErr error
	if wantVector {
		r := <-vectorCh
		vectorMatches, vectorErr = r.vector, r.err
	}
	if wantLexical {
		r := <-lexicalCh
		lexicalMatches, lexicalErr = r.lexical, r.err
	}

	var vectorDegraded, lexicalDegraded bool
	switch mode {
	case ModeSimilarity:
		if vectorErr != nil {
			return nil, fmt.Errorf("search: vector leg: %w", vectorErr)
		}
	case ModeBM25:
		if lexicalErr != nil {
			return nil, fmt.Errorf("search: lexical leg: %w", lexicalErr)
		}
	case ModeHybrid:
		// One leg failing degrades to single-source ranking; both failing
		// is a query failure. Degradation is surfaced on every result's
		// explain payload, not just in the log.
		if vectorErr != nil && lexicalErr != nil {
			return nil, fmt.Errorf("search: both legs failed: vector: %v; lexical: %w", vectorErr, lexicalErr)
		}
		if vectorErr != nil {
			vectorDegraded = true
			log.Printf("search: vector leg degraded for tenant %s: %v", tenantID, vectorErr)
		}
		if lexicalErr != nil {
			lexicalDegraded = true
			log.Printf("search: lexical leg degraded for tenant %s: %v", tenantID, lexicalErr)
		}
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}

	return s.rank(tenantID, vectorMatches, lexicalMatches, topK, vectorDegraded, lexicalDegraded)
}

func (s *Service) vectorLeg(ctx context.Context, tenantID, query string, k int) ([]storage.VectorMatch, error) {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.engine.VectorSearch(tenantID, queryVec, k, s.engine.Metric())
}

func (s *Service) lexicalLeg(ctx context.Context, tenantID, query string, k int) ([]storage.TextMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.engine.TextSearch(tenantID, query, k)
}

// rank fuses the legs, applies the staleness adjustment, sorts and
// truncates.
func (s *Service) rank(tenantID string, vec []storage.VectorMatch, lex []storage.TextMatch, topK int, vectorDegraded, lexicalDegraded bool) ([]Result, error) {
	type candidate struct {
		explain Explain
	}
	fused := make(map[storage.NodeID]*candidate)

	k := float64(s.opts.RRFK)
	for i, m := range vec {
		rank := i + 1
		c := &candidate{}
		c.explain.VectorRank = rank
		c.explain.VectorDistance = m.Distance
		c.explain.FusionScore = 1 / (float64(rank) + k)
		fused[m.ID] = c
	}
	for i, m := range lex {
		rank := i + 1
		c, ok := fused[m.ID]
		if !ok {
			c = &candidate{}
			fused[m.ID] = c
		}
		c.explain.BM25Rank = rank
		c.explain.LexicalScore = m.Score
		c.explain.FusionScore += 1 / (float64(rank) + k)
	}

	now := time.Now().UTC()
	results := make([]Result, 0, len(fused))
	lastRefreshed := make(map[storage.NodeID]time.Time, len(fused))
	for id, c := range fused {
		node, err := s.engine.GetNode(tenantID, id)
		if err != nil {
			// Deleted between index hit and ranking; drop it.
			log.Printf("search: candidate %s vanished: %v", id, err)
			continue
		}

		c.explain.VectorExcluded = c.explain.VectorRank == 0 && node.EmbeddingStatus != storage.EmbeddingReady
		c.explain.VectorLegDegraded = vectorDegraded
		c.explain.LexicalLegDegraded = lexicalDegraded
		c.explain.DecayFactor = s.decay(node, now)
		c.explain.DriftPenalty = s.driftPenalty(node)

		lastRefreshed[id] = node.LastRefreshed
		results = append(results, Result{
			NodeID:  id,
			Score:   c.explain.FusionScore * c.explain.DecayFactor * (1 - c.explain.DriftPenalty),
			Explain: c.explain,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ri, rj := lastRefreshed[results[i].NodeID], lastRefreshed[results[j].NodeID]
		if !ri.Equal(rj) {
			return ri.After(rj) // more recently refreshed first
		}
		return results[i].NodeID < results[j].NodeID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// decay is the recency factor 0.5^(age/half_life), in (0, 1]. A node
// never refreshed ages from its creation time.
func (s *Service) decay(n *storage.Node, now time.Time) float64 {
	ref := n.LastRefreshed
	if ref.IsZero() {
		ref = n.CreatedAt
	}
	age := now.Sub(ref)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(s.opts.HalfLife))
}

// driftPenalty maps drift linearly into [0, DriftPenaltyMax]. No recorded
// drift means no penalty.
func (s *Service) driftPenalty(n *storage.Node) float64 {
	if n.DriftScore == nil {
		return 0
	}
	drift := *n.DriftScore
	if drift < 0 {
		drift = 0
	}
	if drift > 1 {
		drift = 1
	}
	return s.opts.DriftPenaltyMax * drift
}
