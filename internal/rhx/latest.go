package rhx

import (
	"math"
	"sync/atomic"
	"time"
)

// LatestRMS keeps the most recent RMS value per channel in atomic cells so a
// consumer on another goroutine can read without locking the decode loop.
// Cells are updated independently; a reader may see channels from two
// adjacent blocks.
type LatestRMS struct {
	cells    []atomic.Uint64
	sequence atomic.Uint64
	updated  atomic.Int64
}

func NewLatestRMS(channels int) *LatestRMS {
	l := &LatestRMS{cells: make([]atomic.Uint64, channels)}
	nan := math.Float64bits(math.NaN())
	for i := range l.cells {
		l.cells[i].Store(nan)
	}
	return l
}

func (l *LatestRMS) Channels() int { return len(l.cells) }

// Listener adapts the cells to a BlockListener.
func (l *LatestRMS) Listener() BlockListener {
	return func(ev BlockEvent) error {
		l.Store(ev.RMS, ev.Sequence)
		return nil
	}
}

func (l *LatestRMS) Store(rms []float64, seq uint64) {
	n := min(len(rms), len(l.cells))
	for i := 0; i < n; i++ {
		l.cells[i].Store(math.Float64bits(rms[i]))
	}
	l.sequence.Store(seq)
	l.updated.Store(time.Now().UnixNano())
}

// Load returns the latest value for ch, or NaN if none was seen.
func (l *LatestRMS) Load(ch int) float64 {
	if ch < 0 || ch >= len(l.cells) {
		return math.NaN()
	}
	return math.Float64frombits(l.cells[ch].Load())
}

// Snapshot copies all cells into dst, growing it if needed.
func (l *LatestRMS) Snapshot(dst []float64) []float64 {
	if cap(dst) < len(l.cells) {
		dst = make([]float64, len(l.cells))
	}
	dst = dst[:len(l.cells)]
	for i := range l.cells {
		dst[i] = math.Float64frombits(l.cells[i].Load())
	}
	return dst
}

func (l *LatestRMS) Sequence() uint64 { return l.sequence.Load() }

// UpdatedAt is the wall time of the last Store, zero if never stored.
func (l *LatestRMS) UpdatedAt() time.Time {
	ns := l.updated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
