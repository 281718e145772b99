// Package session drives a serial channel: it reads, frames and dispatches
// lines to a consumer, sends outgoing lines and keeps throughput statistics.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-serimon/internal/line"
	"github.com/kstaniek/go-serimon/internal/logging"
	"github.com/kstaniek/go-serimon/internal/metrics"
	"github.com/kstaniek/go-serimon/internal/serial"
	"github.com/kstaniek/go-serimon/internal/stats"
)

// State of a Loop.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrStopped          = errors.New("session stopped")
	ErrNotConnected     = errors.New("not connected")
)

const (
	readBackoffMin       = 20 * time.Millisecond
	readBackoffMax       = 500 * time.Millisecond
	idlePause            = 5 * time.Millisecond
	defaultStatsInterval = time.Second
)

// Loop is the serial session state machine (Idle, Connected, Stopped).
//
// While connected one goroutine owns the channel, the framer and the stats
// window; consumer callbacks run on a separate dispatcher goroutine.
type Loop struct {
	consumer      Consumer
	logger        *slog.Logger
	opener        serial.PortOpener
	framerOpts    []line.Option
	history       int
	statsInterval time.Duration
	lineEnding    string

	framer *line.Framer
	window *stats.Window
	last   atomic.Pointer[Snapshot]

	opMu  sync.Mutex // serializes Connect, Disconnect and Teardown
	mu    sync.Mutex // guards state and cur
	state State
	cur   *conn
}

type conn struct {
	ch     *serial.Channel
	disp   *dispatcher
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithPortOpener replaces the driver opener (tests, alternative backends).
func WithPortOpener(o serial.PortOpener) Option { return func(lp *Loop) { lp.opener = o } }

func WithFramerOptions(opts ...line.Option) Option {
	return func(lp *Loop) { lp.framerOpts = append(lp.framerOpts, opts...) }
}

// WithHistory sets the stats history capacity.
func WithHistory(n int) Option { return func(lp *Loop) { lp.history = n } }

// WithStatsInterval sets the stats tick cadence; zero or less disables ticking.
func WithStatsInterval(d time.Duration) Option { return func(lp *Loop) { lp.statsInterval = d } }

// WithLineEnding sets the terminator appended by Send.
func WithLineEnding(s string) Option { return func(lp *Loop) { lp.lineEnding = s } }

// New builds an idle Loop delivering to consumer.
func New(consumer Consumer, opts ...Option) (*Loop, error) {
	l := &Loop{
		consumer:      consumer,
		logger:        logging.L(),
		opener:        serial.Open,
		history:       stats.DefaultHistory,
		statsInterval: defaultStatsInterval,
		lineEnding:    "\n",
	}
	for _, o := range opts {
		o(l)
	}
	f, err := line.NewFramer(l.framerOpts...)
	if err != nil {
		return nil, fmt.Errorf("framer: %w", err)
	}
	l.framer = f
	l.window = stats.NewWindow(l.history)
	return l, nil
}

// State returns the current state.
func (l *Loop) State() State { l.mu.Lock(); defer l.mu.Unlock(); return l.state }

// Device returns the open device name, or "" when not connected.
func (l *Loop) Device() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil {
		return ""
	}
	return l.cur.ch.Device()
}

// Config returns the open channel configuration; ok is false when not connected.
func (l *Loop) Config() (cfg serial.Config, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil {
		return serial.Config{}, false
	}
	return l.cur.ch.Config(), true
}

// LastStats returns the most recent stats snapshot, if any tick happened.
func (l *Loop) LastStats() (Snapshot, bool) {
	s := l.last.Load()
	if s == nil {
		return Snapshot{}, false
	}
	out := *s
	out.LineHistory = slices.Clone(s.LineHistory)
	out.ByteHistory = slices.Clone(s.ByteHistory)
	return out, true
}

// Connect opens the device and starts reading. Open failures are returned
// as *serial.OpenError and leave the loop idle.
func (l *Loop) Connect(cfg serial.Config) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	switch l.State() {
	case StateStopped:
		return ErrStopped
	case StateConnected:
		return ErrAlreadyConnected
	}
	ch, err := serial.OpenChannelWith(cfg, l.opener)
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		l.logger.Warn("serial_open_failed", "device", cfg.Device, "error", err)
		return err
	}
	l.framer.Reset()
	l.window.Reset()
	l.last.Store(nil)
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ch: ch, disp: newDispatcher(l.consumer, l.logger), cancel: cancel, done: make(chan struct{})}
	l.mu.Lock()
	l.state = StateConnected
	l.cur = c
	l.mu.Unlock()
	metrics.SetConnected(true)
	ocfg := ch.Config()
	l.logger.Info("serial_open", "device", ocfg.Device, "baud", ocfg.Baud, "driver", ocfg.Driver, "read_timeout", ocfg.ReadTimeout)
	c.disp.push(event{kind: evDiagnostic, text: fmt.Sprintf("connected %s @ %d", ocfg.Device, ocfg.Baud)})
	go l.run(ctx, c)
	return nil
}

// Disconnect stops reading and closes the device. When it returns no further
// callbacks fire for the session. Calling it while idle is a no-op.
func (l *Loop) Disconnect() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.mu.Lock()
	c := l.cur
	l.cur = nil
	if l.state == StateConnected {
		l.state = StateIdle
	}
	l.mu.Unlock()
	if c == nil {
		return nil
	}
	return l.stop(c)
}

// Teardown moves the loop to its terminal state, closing any open device.
// It is idempotent.
func (l *Loop) Teardown() {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.mu.Lock()
	c := l.cur
	l.cur = nil
	l.state = StateStopped
	l.mu.Unlock()
	if c != nil {
		_ = l.stop(c)
	}
}

func (l *Loop) stop(c *conn) error {
	c.cancel()
	<-c.done // reader gone: no read after close
	err := c.ch.Close()
	metrics.SetConnected(false)
	dev := c.ch.Device()
	if err != nil {
		l.logger.Warn("serial_close_error", "device", dev, "error", err)
	}
	l.logger.Info("serial_closed", "device", dev)
	c.disp.push(event{kind: evDiagnostic, text: "disconnected " + dev})
	c.disp.close()
	return err
}

// Send writes text followed by the configured line ending. Failures are
// returned as *serial.WriteError; the connection is left as it was.
func (l *Loop) Send(text string) error {
	l.mu.Lock()
	c, st := l.cur, l.state
	l.mu.Unlock()
	if st != StateConnected || c == nil {
		return &serial.WriteError{Err: ErrNotConnected}
	}
	n, err := c.ch.Write([]byte(text + l.lineEnding))
	if err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		l.logger.Warn("serial_write_error", "device", c.ch.Device(), "error", err)
		return err
	}
	metrics.AddSerialTx(n)
	return nil
}

func (l *Loop) run(ctx context.Context, c *conn) {
	defer close(c.done)
	dev := c.ch.Device()
	defer l.logger.Debug("serial_rx_end", "device", dev)
	var tick <-chan time.Time
	if l.statsInterval > 0 {
		t := time.NewTicker(l.statsInterval)
		defer t.Stop()
		tick = t.C
	}
	due := time.Now()
	backoff := readBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick:
			// a read blocking past the interval makes the ticker drop ticks
			n := elapsedTicks(due, now, l.statsInterval)
			due = due.Add(time.Duration(n) * l.statsInterval)
			// older ticks would be evicted from the history anyway
			for i, k := 0, min(n, l.window.Cap()); i < k; i++ {
				l.tick(c)
			}
		default:
		}
		start := time.Now()
		data, err := c.ch.ReadAvailable()
		if err != nil {
			metrics.IncError(metrics.ErrSerialRead)
			l.logger.Warn("serial_read_error", "device", dev, "error", err, "backoff", backoff)
			c.disp.push(event{kind: evDiagnostic, text: err.Error()})
			if !sleepFn(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > readBackoffMax {
				backoff = readBackoffMax
			}
			continue
		}
		backoff = readBackoffMin
		if len(data) == 0 {
			// drivers without a blocking timeout return at once
			if time.Since(start) < time.Millisecond && !sleepFn(ctx, idlePause) {
				return
			}
			continue
		}
		l.consume(c, data)
	}
}

func (l *Loop) consume(c *conn, data []byte) {
	before := l.framer.Stats()
	lines := l.framer.Feed(data)
	after := l.framer.Stats()
	for _, s := range lines {
		c.disp.push(event{kind: evLine, text: s})
	}
	l.window.Record(len(lines), len(data))
	metrics.AddSerialRx(len(data), len(lines))
	metrics.AddDecodeReplaced(after.Replaced - before.Replaced)
	metrics.AddLineOverflows(after.Overflows - before.Overflows)
	if dropped := after.Dropped - before.Dropped; dropped > 0 {
		metrics.AddDecodeDropped(dropped)
		c.disp.push(event{kind: evDiagnostic, text: fmt.Sprintf("dropped %d undecodable line(s)", dropped)})
	}
}

// elapsedTicks reports how many whole intervals passed since due, at least one.
func elapsedTicks(due, now time.Time, interval time.Duration) int {
	return max(int(now.Sub(due)/interval), 1)
}

func (l *Loop) tick(c *conn) {
	s := l.window.Tick()
	snap := Snapshot{
		Sample:      s,
		At:          time.Now(),
		Interval:    l.statsInterval,
		LineHistory: l.window.LineHistory(),
		ByteHistory: l.window.ByteHistory(),
	}
	l.last.Store(&snap)
	metrics.SetThroughput(s.Lines, s.Bytes)
	c.disp.push(event{kind: evStats, snap: snap})
}

// sleepFn lets tests observe and shorten pauses in the read loop.
var sleepFn = sleepCtx

// sleepCtx sleeps for d unless ctx ends first; it reports whether ctx is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
