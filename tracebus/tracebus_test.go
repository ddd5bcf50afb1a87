package tracebus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

func TestTraceBus_EmitIncreasesSeq(t *testing.T) {
	b := New(0, nil)
	b.Open("req-1")

	b.Emit("req-1", moecore.EventSelectionBegin, nil)
	b.Emit("req-1", moecore.EventSelectionEnd, nil)
	b.Emit("req-1", moecore.EventExpertBegin, nil)

	hist := b.History("req-1")
	require.Len(t, hist, 3)
	assert.Equal(t, int64(1), hist[0].Seq)
	assert.Equal(t, int64(2), hist[1].Seq)
	assert.Equal(t, int64(3), hist[2].Seq)
}

func TestTraceBus_SubscribeReceivesReplayThenLive(t *testing.T) {
	b := New(0, nil)
	b.Open("req-1")
	b.Emit("req-1", moecore.EventSelectionBegin, nil)

	ch, cancel := b.Subscribe("req-1")
	defer cancel()

	replayed := <-ch
	assert.Equal(t, moecore.EventSelectionBegin, replayed.Kind)

	b.Emit("req-1", moecore.EventSelectionEnd, nil)
	live := <-ch
	assert.Equal(t, moecore.EventSelectionEnd, live.Kind)
}

func TestTraceBus_CloseDisconnectsSubscribers(t *testing.T) {
	b := New(0, nil)
	b.Open("req-1")

	ch, cancel := b.Subscribe("req-1")
	defer cancel()

	b.Close("req-1")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed once the request closes")
}

func TestTraceBus_RingBufferBound(t *testing.T) {
	b := New(2, nil)
	b.Open("req-1")

	b.Emit("req-1", moecore.EventSelectionBegin, nil)
	b.Emit("req-1", moecore.EventSelectionEnd, nil)
	b.Emit("req-1", moecore.EventExpertBegin, nil)

	hist := b.History("req-1")
	require.Len(t, hist, 2)
	assert.Equal(t, moecore.EventSelectionEnd, hist[0].Kind)
	assert.Equal(t, moecore.EventExpertBegin, hist[1].Kind)
}

func TestTraceBus_SlowSubscriberDroppedNotBlocking(t *testing.T) {
	b := New(0, nil)
	b.Open("req-1")

	ch, cancel := b.Subscribe("req-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Emit("req-1", moecore.EventExpertBegin, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber instead of dropping it")
	}

	_ = ch
}

func TestTraceBus_UnknownRequestIsSafe(t *testing.T) {
	b := New(0, nil)
	assert.Empty(t, b.History("missing"))

	ch, cancel := b.Subscribe("missing")
	defer cancel()
	_, ok := <-ch
	assert.False(t, ok)
}
