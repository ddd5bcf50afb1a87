package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

type fakeSink struct {
	mu     sync.Mutex
	events []moecore.TraceEventKind
}

func (s *fakeSink) Emit(requestID string, kind moecore.TraceEventKind, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, kind)
}

func descriptorLookup(descs ...moecore.ExpertDescriptor) func(string) (moecore.ExpertDescriptor, bool) {
	byID := make(map[string]moecore.ExpertDescriptor, len(descs))
	for _, d := range descs {
		byID[d.ID] = d
	}
	return func(id string) (moecore.ExpertDescriptor, bool) {
		d, ok := byID[id]
		return d, ok
	}
}

func TestExecutor_AllSucceed(t *testing.T) {
	cfg := moecore.DefaultConfig()
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		return moecore.ExpertResult{TextOutput: "answer from " + desc.ID}, nil
	})
	lookup := descriptorLookup(
		moecore.ExpertDescriptor{ID: "weather"},
		moecore.ExpertDescriptor{ID: "news"},
	)
	sink := &fakeSink{}
	ex := New(cfg, dial, lookup, sink, nil)

	results := ex.Execute(context.Background(), "req-1", moecore.Query{}, []string{"weather", "news"})
	require.Len(t, results, 2)
	assert.Equal(t, "weather", results[0].ExpertID)
	assert.Equal(t, moecore.StatusSuccess, results[0].Status)
	assert.Equal(t, "news", results[1].ExpertID)
	assert.Equal(t, moecore.StatusSuccess, results[1].Status)
}

func TestExecutor_OneFailureDoesNotDiscardOthers(t *testing.T) {
	cfg := moecore.DefaultConfig()
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		if desc.ID == "flaky" {
			return moecore.ExpertResult{}, errors.New("boom")
		}
		return moecore.ExpertResult{TextOutput: "ok"}, nil
	})
	lookup := descriptorLookup(
		moecore.ExpertDescriptor{ID: "flaky"},
		moecore.ExpertDescriptor{ID: "steady"},
	)
	ex := New(cfg, dial, lookup, nil, nil)

	results := ex.Execute(context.Background(), "req-2", moecore.Query{}, []string{"flaky", "steady"})
	require.Len(t, results, 2)
	assert.Equal(t, moecore.StatusError, results[0].Status)
	assert.Equal(t, moecore.StatusSuccess, results[1].Status)
}

func TestExecutor_PerExpertTimeout(t *testing.T) {
	cfg := moecore.DefaultConfig()
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return moecore.ExpertResult{TextOutput: "too late"}, nil
		case <-ctx.Done():
			return moecore.ExpertResult{}, ctx.Err()
		}
	})
	lookup := descriptorLookup(moecore.ExpertDescriptor{ID: "slow", TimeoutMS: 20})
	ex := New(cfg, dial, lookup, nil, nil)

	results := ex.Execute(context.Background(), "req-3", moecore.Query{}, []string{"slow"})
	require.Len(t, results, 1)
	assert.Equal(t, moecore.StatusTimeout, results[0].Status)
}

func TestExecutor_UnknownExpertRecordsError(t *testing.T) {
	cfg := moecore.DefaultConfig()
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		t.Fatal("dial must not be called for an unregistered expert")
		return moecore.ExpertResult{}, nil
	})
	ex := New(cfg, dial, descriptorLookup(), nil, nil)

	results := ex.Execute(context.Background(), "req-4", moecore.Query{}, []string{"ghost"})
	require.Len(t, results, 1)
	assert.Equal(t, moecore.StatusError, results[0].Status)
	assert.NotEmpty(t, results[0].ErrorMessage)
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.MaxConcurrentExperts = 2

	var inFlight int32
	var maxObserved int32
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxObserved)
			if cur <= m || atomic.CompareAndSwapInt32(&maxObserved, m, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return moecore.ExpertResult{}, nil
	})

	descs := make([]moecore.ExpertDescriptor, 0, 6)
	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		descs = append(descs, moecore.ExpertDescriptor{ID: id})
		ids = append(ids, id)
	}
	ex := New(cfg, dial, descriptorLookup(descs...), nil, nil)

	results := ex.Execute(context.Background(), "req-5", moecore.Query{}, ids)
	require.Len(t, results, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(2))
}

func TestExecutor_AdmissionSemaphoreIsSharedAcrossCalls(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.MaxConcurrentExperts = 1

	var inFlight int32
	var maxObserved int32
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxObserved)
			if cur <= m || atomic.CompareAndSwapInt32(&maxObserved, m, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return moecore.ExpertResult{}, nil
	})
	ex := New(cfg, dial, descriptorLookup(
		moecore.ExpertDescriptor{ID: "a"}, moecore.ExpertDescriptor{ID: "b"},
	), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(reqID string, id string) {
			defer wg.Done()
			ex.Execute(context.Background(), reqID, moecore.Query{}, []string{id})
		}(string(rune('x'+i)), string(rune('a'+i)))
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxObserved), int32(1),
		"one Executor's admission semaphore must bound concurrency across every Execute call, not per call")
}

func TestExecutor_ZeroMaxConcurrentExpertsAdmitsNothing(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.MaxConcurrentExperts = 0
	cfg.AdmissionWaitMS = 20
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		t.Fatal("dial must not be called when no admission slots are ever granted")
		return moecore.ExpertResult{}, nil
	})
	ex := New(cfg, dial, descriptorLookup(moecore.ExpertDescriptor{ID: "weather"}), nil, nil)

	results := ex.Execute(context.Background(), "req-7", moecore.Query{}, []string{"weather"})
	require.Len(t, results, 1)
	assert.Equal(t, moecore.StatusTimeout, results[0].Status)
}

func TestExecutor_AdmissionWaitTimesOutBeforeInvocation(t *testing.T) {
	cfg := moecore.DefaultConfig()
	cfg.MaxConcurrentExperts = 1
	cfg.AdmissionWaitMS = 20
	cfg.RequestDeadlineMS = 5000

	release := make(chan struct{})
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		if desc.ID == "blocker" {
			<-release
		}
		return moecore.ExpertResult{}, nil
	})
	ex := New(cfg, dial, descriptorLookup(
		moecore.ExpertDescriptor{ID: "blocker"}, moecore.ExpertDescriptor{ID: "starved"},
	), nil, nil)

	var results []moecore.ExpertResult
	done := make(chan struct{})
	go func() {
		results = ex.Execute(context.Background(), "req-8", moecore.Query{}, []string{"blocker", "starved"})
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)
	<-done

	require.Len(t, results, 2)
	assert.Equal(t, moecore.StatusTimeout, results[1].Status,
		"admission_wait_ms, not the request deadline, must bound how long a saturated expert waits for a slot")
}

func TestExecutor_EmitsBeginAndEndTrace(t *testing.T) {
	cfg := moecore.DefaultConfig()
	dial := ExpertFunc(func(ctx context.Context, query moecore.Query, desc moecore.ExpertDescriptor) (moecore.ExpertResult, error) {
		return moecore.ExpertResult{}, nil
	})
	sink := &fakeSink{}
	ex := New(cfg, dial, descriptorLookup(moecore.ExpertDescriptor{ID: "weather"}), sink, nil)

	ex.Execute(context.Background(), "req-6", moecore.Query{}, []string{"weather"})
	require.Len(t, sink.events, 2)
	assert.Equal(t, moecore.EventExpertBegin, sink.events[0])
	assert.Equal(t, moecore.EventExpertEnd, sink.events[1])
}
