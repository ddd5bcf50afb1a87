package voice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

type fakeRouter struct {
	lastQuery moecore.Query
	resp      moecore.FinalResponse
	err       error
}

func (f *fakeRouter) RouteQuery(ctx context.Context, query moecore.Query) (moecore.FinalResponse, error) {
	f.lastQuery = query
	return f.resp, f.err
}

type fakeClassifier struct{ chitchatTexts map[string]bool }

func (f fakeClassifier) IsChitchat(text string) bool { return f.chitchatTexts[text] }

func TestDriver_IncompleteUtteranceContinues(t *testing.T) {
	router := &fakeRouter{resp: moecore.FinalResponse{Text: "ok"}}
	d := New(moecore.DefaultConfig(), nil, router, nil)

	start := time.Now()
	_, ok, err := d.Feed(context.Background(), SpeechEvent{Kind: KindFinal, Text: "and", ArrivedAt: start})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDriver_CompleteWithLongSilenceEndpoints(t *testing.T) {
	router := &fakeRouter{resp: moecore.FinalResponse{Text: "sunny today"}}
	d := New(moecore.DefaultConfig(), nil, router, nil)

	start := time.Now()
	_, ok, _ := d.Feed(context.Background(), SpeechEvent{Kind: KindFinal, Text: "what is the weather today.", ArrivedAt: start})
	assert.False(t, ok, "first FINAL has zero silence, should WAIT")

	resp, ok, err := d.Feed(context.Background(), SpeechEvent{Kind: KindFinal, Text: "", ArrivedAt: start.Add(1200 * time.Millisecond)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sunny today", resp.Text)
}

func TestDriver_MaxBufferForcesEndpointOnIncomplete(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.MaxBufferMS = 10
	router := &fakeRouter{resp: moecore.FinalResponse{Text: "flushed"}}
	d := New(cfg, nil, router, nil)

	start := time.Now()
	d.Feed(context.Background(), SpeechEvent{Kind: KindFinal, Text: "um and", ArrivedAt: start})
	resp, ok, err := d.Feed(context.Background(), SpeechEvent{Kind: KindFinal, Text: "", ArrivedAt: start.Add(50 * time.Millisecond)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "flushed", resp.Text)
}

func TestDriver_ChitchatEndpointsImmediately(t *testing.T) {
	classifier := fakeClassifier{chitchatTexts: map[string]bool{"thanks": true}}
	router := &fakeRouter{resp: moecore.FinalResponse{Text: "you're welcome"}}
	d := New(moecore.DefaultConfig(), classifier, router, nil)

	resp, ok, err := d.Feed(context.Background(), SpeechEvent{Kind: KindFinal, Text: "thanks", ArrivedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "you're welcome", resp.Text)
}

func TestDriver_InterimNeverEndpoints(t *testing.T) {
	router := &fakeRouter{}
	d := New(moecore.DefaultConfig(), nil, router, nil)

	_, ok, err := d.Feed(context.Background(), SpeechEvent{Kind: KindInterim, Text: "what is the weather today", ArrivedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompleteness_ShortTextIsIncomplete(t *testing.T) {
	d := New(moecore.DefaultConfig(), nil, &fakeRouter{}, nil)
	assert.Equal(t, Incomplete, d.completeness("hi there"))
}

func TestCompleteness_QuestionIsComplete(t *testing.T) {
	d := New(moecore.DefaultConfig(), nil, &fakeRouter{}, nil)
	assert.Equal(t, Complete, d.completeness("what is the weather today."))
}

func TestCompleteness_TrailingConjunctionIsIncomplete(t *testing.T) {
	d := New(moecore.DefaultConfig(), nil, &fakeRouter{}, nil)
	assert.Equal(t, Incomplete, d.completeness("show me the weather and"))
}
