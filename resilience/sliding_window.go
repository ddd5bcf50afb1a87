package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// slidingWindow tracks success/failure counts over a rolling time window,
// adapted from the teacher's time-skew-protected bucket ring: it rotates
// old buckets out as time advances and resets outright if the system
// clock jumps backward rather than reporting a nonsensical error rate.
type slidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex

	log  moecore.Logger
	name string
}

func newSlidingWindow(windowSize time.Duration, bucketCount int, log moecore.Logger, name string) *slidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	if log == nil {
		log = moecore.NoOpLogger{}
	}

	now := time.Now()
	buckets := make([]bucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}

	return &slidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   windowSize / time.Duration(bucketCount),
		lastRotation: now,
		log:          log,
		name:         name,
	}
}

func (w *slidingWindow) rotate() {
	now := time.Now()
	elapsed := now.Sub(w.lastRotation)

	if elapsed < 0 {
		w.log.Warn("sliding window detected clock skew, resetting", map[string]interface{}{"name": w.name})
		w.reset(now)
		return
	}

	if elapsed < w.bucketSize {
		return
	}

	steps := int(elapsed / w.bucketSize)
	if steps > len(w.buckets) {
		steps = len(w.buckets)
	}
	for i := 0; i < steps; i++ {
		w.currentIdx = (w.currentIdx + 1) % len(w.buckets)
		w.buckets[w.currentIdx] = bucket{timestamp: now}
	}
	w.lastRotation = now
}

func (w *slidingWindow) reset(now time.Time) {
	for i := range w.buckets {
		w.buckets[i] = bucket{timestamp: now}
	}
	w.currentIdx = 0
	w.lastRotation = now
}

func (w *slidingWindow) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	atomic.AddUint64(&w.buckets[w.currentIdx].success, 1)
}

func (w *slidingWindow) recordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	atomic.AddUint64(&w.buckets[w.currentIdx].failure, 1)
}

func (w *slidingWindow) counts() (success, failure uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cutoff := time.Now().Add(-w.windowSize)
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.timestamp.After(cutoff) {
			success += atomic.LoadUint64(&b.success)
			failure += atomic.LoadUint64(&b.failure)
		}
	}
	return success, failure
}

func (w *slidingWindow) total() uint64 {
	success, failure := w.counts()
	return success + failure
}

func (w *slidingWindow) errorRate() float64 {
	success, failure := w.counts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}
