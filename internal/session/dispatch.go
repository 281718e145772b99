package session

import (
	"log/slog"
	"sync"
)

type eventKind uint8

const (
	evLine eventKind = iota
	evDiagnostic
	evStats
)

type event struct {
	kind eventKind
	text string
	snap Snapshot
}

// dispatcher delivers events to the consumer on one goroutine in push
// order. The queue is unbounded so the reader never waits on the consumer.
type dispatcher struct {
	mu       sync.Mutex
	items    []event
	closed   bool
	signal   chan struct{}
	done     chan struct{}
	consumer Consumer
	logger   *slog.Logger
}

func newDispatcher(c Consumer, l *slog.Logger) *dispatcher {
	d := &dispatcher{
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		consumer: c,
		logger:   l,
	}
	go d.run()
	return d
}

func (d *dispatcher) push(ev event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.items = append(d.items, ev)
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// close rejects further pushes, lets the goroutine drain what is queued and
// waits for it to exit.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.items
		d.items = nil
		closed := d.closed
		d.mu.Unlock()
		if len(batch) == 0 {
			if closed {
				return
			}
			<-d.signal
			continue
		}
		for _, ev := range batch {
			d.deliver(ev)
		}
	}
}

func (d *dispatcher) deliver(ev event) {
	if d.consumer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("consumer_panic", "panic", r)
		}
	}()
	switch ev.kind {
	case evLine:
		d.consumer.OnLine(ev.text)
	case evDiagnostic:
		d.consumer.OnDiagnostic(ev.text)
	case evStats:
		if sc, ok := d.consumer.(StatsConsumer); ok {
			sc.OnStats(ev.snap)
		}
	}
}
