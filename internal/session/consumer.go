package session

import (
	"time"

	"github.com/kstaniek/go-serimon/internal/stats"
)

// Consumer receives decoded lines and status messages, in stream order, on
// the session's dispatcher goroutine. Implementations must not call
// Connect, Disconnect or Teardown synchronously from a callback.
type Consumer interface {
	OnLine(text string)
	OnDiagnostic(text string)
}

// StatsConsumer is implemented by consumers that want periodic throughput snapshots.
type StatsConsumer interface {
	OnStats(Snapshot)
}

// Snapshot is one closed stats tick plus copies of both histories (oldest first).
type Snapshot struct {
	stats.Sample
	At          time.Time
	Interval    time.Duration
	LineHistory []uint64
	ByteHistory []uint64
}

// PerSecond scales the tick counters to per-second rates.
func (s Snapshot) PerSecond() (lines, bytes float64) {
	if s.Interval <= 0 {
		return float64(s.Lines), float64(s.Bytes)
	}
	f := float64(time.Second) / float64(s.Interval)
	return float64(s.Lines) * f, float64(s.Bytes) * f
}

// ConsumerFuncs adapts plain functions; nil fields are skipped.
type ConsumerFuncs struct {
	Line       func(string)
	Diagnostic func(string)
	Stats      func(Snapshot)
}

func (f ConsumerFuncs) OnLine(s string) {
	if f.Line != nil {
		f.Line(s)
	}
}

func (f ConsumerFuncs) OnDiagnostic(s string) {
	if f.Diagnostic != nil {
		f.Diagnostic(s)
	}
}

func (f ConsumerFuncs) OnStats(s Snapshot) {
	if f.Stats != nil {
		f.Stats(s)
	}
}

// Multi fans every callback out to each consumer in argument order.
func Multi(cs ...Consumer) Consumer {
	out := make(multi, 0, len(cs))
	for _, c := range cs {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

type multi []Consumer

func (m multi) OnLine(s string) {
	for _, c := range m {
		c.OnLine(s)
	}
}

func (m multi) OnDiagnostic(s string) {
	for _, c := range m {
		c.OnDiagnostic(s)
	}
}

func (m multi) OnStats(s Snapshot) {
	for _, c := range m {
		if sc, ok := c.(StatsConsumer); ok {
			sc.OnStats(s)
		}
	}
}
