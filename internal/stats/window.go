// Package stats keeps per-tick line and byte counters with a bounded history.
package stats

// DefaultHistory is the history capacity used when none is given.
const DefaultHistory = 60

// Sample is the pair of counters accumulated during one tick.
type Sample struct {
	Lines uint64
	Bytes uint64
}

// Window accumulates counters for the current tick and keeps the last N
// tick values of each series. It performs no timing of its own: the owner
// calls Tick on its cadence. Not safe for concurrent use.
type Window struct {
	cur   Sample
	lines ring
	bytes ring
}

// NewWindow returns a window keeping n ticks of history (DefaultHistory if n <= 0).
func NewWindow(n int) *Window {
	if n <= 0 {
		n = DefaultHistory
	}
	return &Window{lines: newRing(n), bytes: newRing(n)}
}

// Record adds to the current tick. Negative values are ignored.
func (w *Window) Record(lines, bytes int) {
	if lines > 0 {
		w.cur.Lines += uint64(lines)
	}
	if bytes > 0 {
		w.cur.Bytes += uint64(bytes)
	}
}

// Current returns the counters of the tick in progress without resetting them.
func (w *Window) Current() Sample { return w.cur }

// Tick closes the current tick: it appends the counters to both histories,
// evicting the oldest entries at capacity, resets them and returns the closed values.
func (w *Window) Tick() Sample {
	s := w.cur
	w.cur = Sample{}
	w.lines.push(s.Lines)
	w.bytes.push(s.Bytes)
	return s
}

// LineHistory returns the line series, oldest first.
func (w *Window) LineHistory() []uint64 { return w.lines.values() }

// ByteHistory returns the byte series, oldest first.
func (w *Window) ByteHistory() []uint64 { return w.bytes.values() }

// Len is the number of ticks in history (equal for both series).
func (w *Window) Len() int { return w.lines.n }

// Cap is the history capacity.
func (w *Window) Cap() int { return len(w.lines.buf) }

// Reset clears the counters and both histories.
func (w *Window) Reset() {
	w.cur = Sample{}
	w.lines.clear()
	w.bytes.clear()
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring struct {
	buf   []uint64
	start int
	n     int
}

func newRing(capacity int) ring { return ring{buf: make([]uint64, capacity)} }

func (r *ring) push(v uint64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) values() []uint64 {
	out := make([]uint64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) clear() { r.start, r.n = 0, 0 }
