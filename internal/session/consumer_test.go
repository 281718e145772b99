package session

import (
	"testing"
	"time"

	"github.com/kstaniek/go-serimon/internal/logging"
	"github.com/kstaniek/go-serimon/internal/stats"
)

func TestMultiFansOutInOrder(t *testing.T) {
	var order []string
	a := ConsumerFuncs{
		Line:       func(s string) { order = append(order, "a:"+s) },
		Diagnostic: func(s string) { order = append(order, "a!"+s) },
	}
	b := &recorder{}
	m := Multi(a, nil, b)
	m.OnLine("x")
	m.OnDiagnostic("d")
	m.(StatsConsumer).OnStats(Snapshot{Sample: stats.Sample{Lines: 1}})

	if len(order) != 2 || order[0] != "a:x" || order[1] != "a!d" {
		t.Fatalf("unexpected order %q", order)
	}
	if len(b.Lines()) != 1 || len(b.Diags()) != 1 || len(b.Snaps()) != 1 {
		t.Fatalf("recorder missed callbacks: %+v", b)
	}
}

func TestConsumerFuncsNilFieldsSkipped(t *testing.T) {
	var f ConsumerFuncs
	f.OnLine("x")
	f.OnDiagnostic("y")
	f.OnStats(Snapshot{})
}

func TestSnapshotPerSecond(t *testing.T) {
	s := Snapshot{Sample: stats.Sample{Lines: 5, Bytes: 100}, Interval: 500 * time.Millisecond}
	l, b := s.PerSecond()
	if l != 10 || b != 200 {
		t.Fatalf("got %v lines/s %v bytes/s", l, b)
	}
	s.Interval = 0
	if l, _ := s.PerSecond(); l != 5 {
		t.Fatalf("zero interval should return raw counts, got %v", l)
	}
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	rec := &recorder{}
	d := newDispatcher(rec, logging.Discard())
	for i := 0; i < 100; i++ {
		d.push(event{kind: evLine, text: "l"})
	}
	d.close()
	if n := len(rec.Lines()); n != 100 {
		t.Fatalf("expected all 100 lines delivered before close returns, got %d", n)
	}
	d.push(event{kind: evLine, text: "late"})
	if n := len(rec.Lines()); n != 100 {
		t.Fatalf("push after close delivered")
	}
}
