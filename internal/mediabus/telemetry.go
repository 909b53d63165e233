package mediabus

import (
	"sync"
	"sync/atomic"
	"time"
)

// outputTelemetry accumulates the per-output counters spec.md §6/§7 require:
// lag events, bytes written to the Writer, and the most recent classified
// error. One instance is shared by every per-stream task belonging to the
// same output (copyMuxTask, encoderMuxTask, frameForwardTask), mirroring the
// teacher's session stats block kept alongside each relay consumer.
type outputTelemetry struct {
	lagEvents atomic.Uint64
	bytesOut  atomic.Uint64
	unitsOut  atomic.Uint64 // packets for mux/copy outputs, frames for RawFrame outputs

	mu      sync.Mutex
	lastErr *ClassifiedError
}

func newOutputTelemetry() *outputTelemetry {
	return &outputTelemetry{}
}

func (t *outputTelemetry) recordLag() {
	if t == nil {
		return
	}
	t.lagEvents.Add(1)
}

func (t *outputTelemetry) recordWrite(n int) {
	if t == nil {
		return
	}
	t.bytesOut.Add(uint64(n))
	t.unitsOut.Add(1)
}

func (t *outputTelemetry) recordError(kind ErrorKind, cause error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.lastErr = &ClassifiedError{Kind: kind, Cause: cause, At: time.Now().UnixNano()}
	t.mu.Unlock()
}

// snapshot returns a point-in-time copy safe to hand to a caller.
func (t *outputTelemetry) snapshot(id string) OutputStatus {
	st := OutputStatus{ID: id}
	if t == nil {
		return st
	}
	st.LagEvents = t.lagEvents.Load()
	st.BytesOut = t.bytesOut.Load()
	st.UnitsOut = t.unitsOut.Load()
	t.mu.Lock()
	if t.lastErr != nil {
		st.LastErrorKind = t.lastErr.Kind
		st.LastError = t.lastErr.Error()
		st.LastErrorAt = t.lastErr.At
	}
	t.mu.Unlock()
	return st
}

// OutputStatus is the per-output telemetry snapshot of spec.md §6/§7.
type OutputStatus struct {
	ID            string
	LagEvents     uint64
	BytesOut      uint64
	UnitsOut      uint64
	LastError     string
	LastErrorKind ErrorKind
	LastErrorAt   int64
}
