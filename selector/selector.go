// Package selector ranks registered experts against a query and picks the
// subset the Executor should invoke. It borrows the two-tier shape of
// orchestration.HybridResolver's parameter binding — a cheap deterministic
// signal next to a more expensive one — applied to expert scoring: keyword
// matching is the auto-wire-equivalent signal, semantic embedding
// similarity the equivalent of LLM micro-resolution. It does not escalate
// between them: the hybrid strategy computes both for every candidate and
// sums them.
package selector

import (
	"math"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// Selection is the Selector's verdict for one query: either a fast-path
// chitchat verdict naming the single chitchat-tagged expert to invoke, or
// a ranked list of experts to invoke.
type Selection struct {
	FastPath    bool
	ExpertIDs   []string
	Scores      map[string]float64
}

// Selector scores and ranks experts from a Registry snapshot against a
// query, per the strategy configured (keyword, embedding, or hybrid).
type Selector struct {
	cfg *moecore.Config
	log moecore.Logger

	caser cases.Caser
}

// New builds a Selector bound to cfg's strategy, similarity floor, and
// chitchat pattern list.
func New(cfg *moecore.Config, log moecore.Logger) *Selector {
	if cfg == nil {
		cfg = moecore.DefaultConfig()
	}
	if log == nil {
		log = moecore.NoOpLogger{}
	}
	if caw, ok := log.(moecore.ComponentAwareLogger); ok {
		log = caw.WithComponent("moe/selector")
	}
	return &Selector{
		cfg:   cfg,
		log:   log,
		caser: cases.Lower(language.Und),
	}
}

// normalize folds a query to a comparison-stable form: Unicode NFC
// normalization followed by Unicode-correct lowercasing and whitespace
// collapsing, so "Café", "café", and "CAFÉ" all compare equal. Grounded
// on internal/templates.VariableEngine's use of golang.org/x/text/cases
// for locale-aware casing.
func (s *Selector) normalize(text string) string {
	folded := s.caser.String(norm.NFC.String(text))
	fields := strings.Fields(folded)
	joined := strings.Join(fields, " ")
	return strings.TrimRight(joined, ".,!?;:")
}

// IsChitchat reports whether text matches one of the configured chitchat
// patterns once normalized — small talk that is routed to a single
// chitchat-tagged expert on the fast path (spec.md §4.2 fast-path rule).
func (s *Selector) IsChitchat(text string) bool {
	normalized := s.normalize(text)
	for _, pattern := range s.cfg.ChitchatPatterns {
		if normalized == s.normalize(pattern) {
			return true
		}
	}
	return false
}

// Select ranks candidates against query and returns the Selection: a
// fast-path verdict for chitchat, or up to cfg.MaxExperts expert IDs with a
// positive score, ties broken by ascending cost class and then
// lexicographic ID (spec.md §4.2). cfg.SimilarityFloor gates only the
// embedding score; a keyword hit counts regardless of it.
func (s *Selector) Select(query moecore.Query, candidates []moecore.ExpertDescriptor) Selection {
	if s.IsChitchat(query.Text) {
		if id, ok := firstWithCapability(candidates, "chitchat"); ok {
			return Selection{FastPath: true, ExpertIDs: []string{id}}
		}
		// No chitchat-tagged expert registered: fall through to ordinary
		// scoring rather than hand the Executor an empty fast path.
	}

	scores := make(map[string]float64, len(candidates))
	normalizedQuery := s.normalize(query.Text)

	for _, c := range candidates {
		switch s.cfg.SelectionStrategy {
		case moecore.StrategyKeyword:
			// Boolean union of experts whose keyword_triggers intersect the
			// query tokens; similarity_floor is scoped to embedding matches
			// only and does not gate pure keyword selection.
			if s.keywordHit(normalizedQuery, c) {
				scores[c.ID] = 1
			}
		case moecore.StrategyEmbedding:
			if em := s.embeddingScore(query, c); em >= s.cfg.SimilarityFloor {
				scores[c.ID] = em
			}
		default: // hybrid
			var score float64
			if s.keywordHit(normalizedQuery, c) {
				score++
			}
			if em := s.embeddingScore(query, c); em >= s.cfg.SimilarityFloor {
				score += em
			}
			if score > 0 {
				scores[c.ID] = score
			}
		}
	}

	ranked := make([]moecore.ExpertDescriptor, 0, len(scores))
	byID := make(map[string]moecore.ExpertDescriptor, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
		if _, ok := scores[c.ID]; ok {
			ranked = append(ranked, c)
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		if ranked[i].CostClass != ranked[j].CostClass {
			return ranked[i].CostClass < ranked[j].CostClass
		}
		return ranked[i].ID < ranked[j].ID
	})

	max := s.cfg.MaxExperts
	if max <= 0 || max > len(ranked) {
		max = len(ranked)
	}
	ranked = ranked[:max]

	ids := make([]string, 0, len(ranked))
	for _, c := range ranked {
		ids = append(ids, c.ID)
	}

	return Selection{ExpertIDs: ids, Scores: scores}
}

// keywordHit reports whether any of an expert's keyword triggers appears
// as a normalized substring of the query (spec.md §4.2's "keyword_triggers
// intersect query tokens" union test — boolean, not a fraction).
func (s *Selector) keywordHit(normalizedQuery string, desc moecore.ExpertDescriptor) bool {
	for trigger := range desc.KeywordTriggers {
		if strings.Contains(normalizedQuery, s.normalize(trigger)) {
			return true
		}
	}
	return false
}

// embeddingScore is the cosine similarity between the query's context
// embedding (moecore.Query.Context["embedding"], a []float32 supplied by
// an upstream embedding step) and the expert's descriptor embedding. It
// returns 0 when either vector is absent, so an embedding-less deployment
// degrades to pure keyword scoring under the hybrid strategy.
func (s *Selector) embeddingScore(query moecore.Query, desc moecore.ExpertDescriptor) float64 {
	if len(desc.SemanticEmbedding) == 0 {
		return 0
	}
	raw, ok := query.Context["embedding"]
	if !ok {
		return 0
	}
	queryVec, ok := raw.([]float32)
	if !ok || len(queryVec) != len(desc.SemanticEmbedding) {
		return 0
	}
	return cosineSimilarity(queryVec, desc.SemanticEmbedding)
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// firstWithCapability returns the ID of the first candidate (in input
// order) carrying tag, used to pick the single expert a fast-path
// chitchat response is handed to.
func firstWithCapability(candidates []moecore.ExpertDescriptor, tag string) (string, bool) {
	for _, c := range candidates {
		if c.HasCapability(tag) {
			return c.ID, true
		}
	}
	return "", false
}
