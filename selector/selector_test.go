package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

func weatherExpert() moecore.ExpertDescriptor {
	return moecore.ExpertDescriptor{
		ID:              "weather",
		KeywordTriggers: map[string]struct{}{"weather": {}, "forecast": {}, "rain": {}},
		CostClass:       moecore.CostCheap,
	}
}

func newsExpert() moecore.ExpertDescriptor {
	return moecore.ExpertDescriptor{
		ID:              "news",
		KeywordTriggers: map[string]struct{}{"news": {}, "headline": {}},
		CostClass:       moecore.CostNormal,
	}
}

func TestSelector_IsChitchat(t *testing.T) {
	s := New(moecore.DefaultConfig(), nil)
	assert.True(t, s.IsChitchat("  Thanks!  "))
	assert.True(t, s.IsChitchat("HELLO"))
	assert.False(t, s.IsChitchat("what's the weather in Boston"))
}

func TestSelector_KeywordStrategy(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.SelectionStrategy = moecore.StrategyKeyword
	cfg.SimilarityFloor = 0.1
	s := New(cfg, nil)

	q := moecore.NewQuery("What's the weather forecast today?", nil)
	sel := s.Select(q, []moecore.ExpertDescriptor{weatherExpert(), newsExpert()})

	require.False(t, sel.FastPath)
	require.NotEmpty(t, sel.ExpertIDs)
	assert.Equal(t, "weather", sel.ExpertIDs[0])
}

func TestSelector_MaxExpertsBound(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.SelectionStrategy = moecore.StrategyKeyword
	cfg.SimilarityFloor = 0.0
	cfg.MaxExperts = 1
	s := New(cfg, nil)

	q := moecore.NewQuery("weather news forecast headline", nil)
	sel := s.Select(q, []moecore.ExpertDescriptor{weatherExpert(), newsExpert()})

	assert.Len(t, sel.ExpertIDs, 1)
}

func TestSelector_TieBreakByCostThenID(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.SelectionStrategy = moecore.StrategyKeyword
	cfg.SimilarityFloor = 0.0
	cfg.MaxExperts = 2
	s := New(cfg, nil)

	a := moecore.ExpertDescriptor{ID: "b-expert", KeywordTriggers: map[string]struct{}{"x": {}}, CostClass: moecore.CostHeavy}
	b := moecore.ExpertDescriptor{ID: "a-expert", KeywordTriggers: map[string]struct{}{"y": {}}, CostClass: moecore.CostCheap}

	q := moecore.NewQuery("x y", nil)
	sel := s.Select(q, []moecore.ExpertDescriptor{a, b})

	require.Len(t, sel.ExpertIDs, 2)
	assert.Equal(t, "a-expert", sel.ExpertIDs[0], "cheaper cost class should win the equal-score tie")
}

func TestSelector_EmbeddingStrategy(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.SelectionStrategy = moecore.StrategyEmbedding
	cfg.SimilarityFloor = 0.5
	s := New(cfg, nil)

	matching := moecore.ExpertDescriptor{ID: "match", SemanticEmbedding: []float32{1, 0, 0}}
	orthogonal := moecore.ExpertDescriptor{ID: "orthogonal", SemanticEmbedding: []float32{0, 1, 0}}

	q := moecore.NewQuery("anything", map[string]interface{}{"embedding": []float32{1, 0, 0}})
	sel := s.Select(q, []moecore.ExpertDescriptor{matching, orthogonal})

	assert.Equal(t, []string{"match"}, sel.ExpertIDs)
}

func TestSelector_ChitchatFastPathPicksTaggedExpert(t *testing.T) {
	s := New(moecore.DefaultConfig(), nil)
	chitchat := moecore.ExpertDescriptor{ID: "chitchat", CapabilityTags: map[string]struct{}{"chitchat": {}}}

	q := moecore.NewQuery("thanks!", nil)
	sel := s.Select(q, []moecore.ExpertDescriptor{chitchat, weatherExpert()})

	require.True(t, sel.FastPath)
	assert.Equal(t, []string{"chitchat"}, sel.ExpertIDs)
}

func TestSelector_ChitchatWithoutTaggedExpertFallsBackToScoring(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.SelectionStrategy = moecore.StrategyKeyword
	cfg.SimilarityFloor = 0.0
	s := New(cfg, nil)

	q := moecore.NewQuery("thanks!", nil)
	sel := s.Select(q, []moecore.ExpertDescriptor{weatherExpert()})

	assert.False(t, sel.FastPath)
}

func TestSelector_HybridSumsKeywordHitAndEmbeddingScore(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.SelectionStrategy = moecore.StrategyHybrid
	cfg.SimilarityFloor = 0.5
	s := New(cfg, nil)

	both := moecore.ExpertDescriptor{
		ID:                "both",
		KeywordTriggers:   map[string]struct{}{"weather": {}},
		SemanticEmbedding: []float32{1, 0, 0},
	}
	embeddingOnly := moecore.ExpertDescriptor{
		ID:                "embedding-only",
		SemanticEmbedding: []float32{1, 0, 0},
	}

	q := moecore.NewQuery("weather", map[string]interface{}{"embedding": []float32{1, 0, 0}})
	sel := s.Select(q, []moecore.ExpertDescriptor{both, embeddingOnly})

	require.Len(t, sel.ExpertIDs, 2)
	assert.Equal(t, "both", sel.ExpertIDs[0], "an expert hitting both signals must outrank one hitting only one")
	assert.InDelta(t, 2.0, sel.Scores["both"], 1e-9)
	assert.InDelta(t, 1.0, sel.Scores["embedding-only"], 1e-9)
}

func TestSelector_KeywordStrategyIgnoresFloorForPartialTriggerMatch(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.SelectionStrategy = moecore.StrategyKeyword
	cfg.SimilarityFloor = 0.2
	s := New(cfg, nil)

	manyTriggers := moecore.ExpertDescriptor{
		ID: "many-triggers",
		KeywordTriggers: map[string]struct{}{
			"weather": {}, "forecast": {}, "rain": {}, "temperature": {}, "humidity": {},
		},
	}

	q := moecore.NewQuery("what's the weather like", nil)
	sel := s.Select(q, []moecore.ExpertDescriptor{manyTriggers})

	require.Len(t, sel.ExpertIDs, 1, "a single trigger hit must not be excluded by similarity_floor under pure keyword selection")
	assert.Equal(t, "many-triggers", sel.ExpertIDs[0])
}

func TestSelector_NoKeywordHitSelectsNothing(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.SelectionStrategy = moecore.StrategyKeyword
	cfg.SimilarityFloor = 0.9
	s := New(cfg, nil)

	q := moecore.NewQuery("completely unrelated text", nil)
	sel := s.Select(q, []moecore.ExpertDescriptor{weatherExpert()})
	assert.Empty(t, sel.ExpertIDs)
}
