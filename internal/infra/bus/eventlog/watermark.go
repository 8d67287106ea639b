package eventlog

import "sync"

// watermark tracks the contiguous low-water mark of acknowledged offsets.
// Offsets acknowledged out of order are parked until the gap below them closes.
type watermark struct {
	mu      sync.Mutex
	low     int64
	pending map[int64]struct{}
}

func newWatermark(low int64) *watermark {
	return &watermark{mu: sync.Mutex{}, low: low, pending: make(map[int64]struct{})}
}

// Ack marks offset as processed and returns the resulting low-water mark.
func (w *watermark) Ack(offset int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset <= w.low {
		return w.low
	}
	if offset != w.low+1 {
		w.pending[offset] = struct{}{}
		return w.low
	}
	w.low = offset
	for {
		if _, ok := w.pending[w.low+1]; !ok {
			break
		}
		delete(w.pending, w.low+1)
		w.low++
	}
	return w.low
}

// Low returns the highest offset below which everything is acknowledged.
func (w *watermark) Low() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.low
}

// Pending returns the number of offsets parked above the gap.
func (w *watermark) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
