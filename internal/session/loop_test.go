package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-serimon/internal/line"
	"github.com/kstaniek/go-serimon/internal/logging"
	"github.com/kstaniek/go-serimon/internal/serial"
)

type readResult struct {
	data []byte
	err  error
}

// fakePort implements serial.Port; reads come from a channel and time out like a real driver.
type fakePort struct {
	reads           chan readResult
	closed          atomic.Bool
	readsAfterClose atomic.Int64
	mu              sync.Mutex
	written         []byte
	writeErr        error
	idle            time.Duration // how long an empty read blocks
}

func newFakePort(chunks ...string) *fakePort {
	p := &fakePort{reads: make(chan readResult, 1024)}
	for _, c := range chunks {
		p.reads <- readResult{data: []byte(c)}
	}
	return p
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		p.readsAfterClose.Add(1)
		return 0, errors.New("read on closed port")
	}
	select {
	case r := <-p.reads:
		if r.err != nil {
			return 0, r.err
		}
		return copy(b, r.data), nil
	case <-time.After(max(p.idle, 5*time.Millisecond)):
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) Close() error { p.closed.Store(true); return nil }

func (p *fakePort) Written() string { p.mu.Lock(); defer p.mu.Unlock(); return string(p.written) }

// portsByDevice hands out fake ports by device name.
func portsByDevice(ports map[string]*fakePort) serial.PortOpener {
	return func(cfg serial.Config) (serial.Port, error) {
		p, ok := ports[cfg.Device]
		if !ok {
			return nil, serial.ErrNotFound
		}
		return p, nil
	}
}

// recorder is a Consumer capturing everything it observes.
type recorder struct {
	mu    sync.Mutex
	lines []string
	diags []string
	snaps []Snapshot
}

func (r *recorder) OnLine(s string)       { r.mu.Lock(); r.lines = append(r.lines, s); r.mu.Unlock() }
func (r *recorder) OnDiagnostic(s string) { r.mu.Lock(); r.diags = append(r.diags, s); r.mu.Unlock() }
func (r *recorder) OnStats(s Snapshot)    { r.mu.Lock(); r.snaps = append(r.snaps, s); r.mu.Unlock() }

func (r *recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *recorder) Diags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.diags...)
}

func (r *recorder) Snaps() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines) + len(r.diags) + len(r.snaps)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func newTestLoop(t *testing.T, rec *recorder, ports map[string]*fakePort, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithPortOpener(portsByDevice(ports)), WithStatsInterval(0)}, opts...)
	l, err := New(rec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Teardown)
	return l
}

func cfg(dev string) serial.Config { return serial.Config{Device: dev, Baud: 57600, ReadTimeout: 10 * time.Millisecond} }

func TestConnectDeliversLinesInOrder(t *testing.T) {
	rec := &recorder{}
	port := newFakePort("AB", "C\r\n", "D\r\nE")
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-order": port})
	if err := l.Connect(cfg("dev-order")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if l.State() != StateConnected || l.Device() != "dev-order" {
		t.Fatalf("unexpected state %v device %q", l.State(), l.Device())
	}
	waitFor(t, "two lines", func() bool { return len(rec.Lines()) >= 2 })
	port.reads <- readResult{data: []byte("\nx\r\ny\r\nz\r\n")}
	waitFor(t, "all lines", func() bool { return len(rec.Lines()) >= 6 })
	want := []string{"ABC", "D", "E", "x", "y", "z"}
	got := rec.Lines()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("lines %q want %q", got, want)
		}
	}
	if d := rec.Diags(); len(d) == 0 || !strings.HasPrefix(d[0], "connected dev-order") {
		t.Fatalf("expected connected diagnostic first, got %q", d)
	}
}

func TestConnectOpenErrorStaysIdle(t *testing.T) {
	rec := &recorder{}
	l := newTestLoop(t, rec, map[string]*fakePort{})
	err := l.Connect(cfg("dev-missing"))
	var oerr *serial.OpenError
	if !errors.As(err, &oerr) || !errors.Is(err, serial.ErrNotFound) {
		t.Fatalf("expected OpenError(ErrNotFound), got %v", err)
	}
	if l.State() != StateIdle {
		t.Fatalf("expected idle, got %v", l.State())
	}
	if rec.events() != 0 {
		t.Fatalf("no callbacks expected on failed connect")
	}
}

func TestConnectBusyDeviceThenOtherSucceeds(t *testing.T) {
	rec := &recorder{}
	ports := map[string]*fakePort{"dev-held": newFakePort(), "dev-free": newFakePort()}
	holder, err := serial.OpenChannelWith(cfg("dev-held"), portsByDevice(ports))
	if err != nil {
		t.Fatalf("holder open: %v", err)
	}
	defer holder.Close()

	l := newTestLoop(t, rec, ports)
	err = l.Connect(cfg("dev-held"))
	var oerr *serial.OpenError
	if !errors.As(err, &oerr) || !errors.Is(err, serial.ErrBusy) {
		t.Fatalf("expected OpenError(ErrBusy), got %v", err)
	}
	if l.State() != StateIdle {
		t.Fatalf("expected idle after busy, got %v", l.State())
	}
	if err := l.Connect(cfg("dev-free")); err != nil {
		t.Fatalf("connect other device: %v", err)
	}
}

func TestConnectWhileConnected(t *testing.T) {
	rec := &recorder{}
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-a": newFakePort(), "dev-b": newFakePort()})
	if err := l.Connect(cfg("dev-a")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := l.Connect(cfg("dev-b")); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if l.Device() != "dev-a" {
		t.Fatalf("device changed to %q", l.Device())
	}
}

func TestDisconnectTwiceIsNoop(t *testing.T) {
	rec := &recorder{}
	port := newFakePort()
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-twice": port})
	if err := l.Disconnect(); err != nil {
		t.Fatalf("disconnect while idle: %v", err)
	}
	if err := l.Connect(cfg("dev-twice")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := l.Disconnect(); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := l.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if l.State() != StateIdle || l.Device() != "" {
		t.Fatalf("expected idle without device, got %v %q", l.State(), l.Device())
	}
	if !port.closed.Load() {
		t.Fatalf("port not closed")
	}
	d := rec.Diags()
	if len(d) == 0 || d[len(d)-1] != "disconnected dev-twice" {
		t.Fatalf("expected disconnected diagnostic last, got %q", d)
	}
}

func TestNoCallbacksAfterDisconnect(t *testing.T) {
	rec := &recorder{}
	port := newFakePort()
	for i := 0; i < 500; i++ {
		port.reads <- readResult{data: []byte("tick\n")}
	}
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-race": port})
	if err := l.Connect(cfg("dev-race")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "some lines", func() bool { return len(rec.Lines()) > 10 })
	if err := l.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	n := rec.events()
	time.Sleep(50 * time.Millisecond)
	if rec.events() != n {
		t.Fatalf("callbacks fired after disconnect: %d -> %d", n, rec.events())
	}
	if port.readsAfterClose.Load() != 0 {
		t.Fatalf("read after close happened %d times", port.readsAfterClose.Load())
	}
}

func TestSendAppendsLineEnding(t *testing.T) {
	rec := &recorder{}
	port := newFakePort()
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-send": port}, WithLineEnding("\r\n"))
	if err := l.Connect(cfg("dev-send")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := l.Send("AT+GMR"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := port.Written(); got != "AT+GMR\r\n" {
		t.Fatalf("written %q", got)
	}
}

func TestSendWhenIdle(t *testing.T) {
	rec := &recorder{}
	l := newTestLoop(t, rec, map[string]*fakePort{})
	err := l.Send("hello")
	var werr *serial.WriteError
	if !errors.As(err, &werr) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected WriteError(ErrNotConnected), got %v", err)
	}
}

func TestSendFailureKeepsConnection(t *testing.T) {
	rec := &recorder{}
	fault := errors.New("tx fault")
	port := newFakePort()
	port.writeErr = fault
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-wfail": port})
	if err := l.Connect(cfg("dev-wfail")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := l.Send("x")
	var werr *serial.WriteError
	if !errors.As(err, &werr) || !errors.Is(err, fault) {
		t.Fatalf("expected WriteError(fault), got %v", err)
	}
	if l.State() != StateConnected {
		t.Fatalf("write failure changed state to %v", l.State())
	}
}

func TestReadErrorIsDiagnosticOnly(t *testing.T) {
	rec := &recorder{}
	port := newFakePort()
	port.reads <- readResult{err: errors.New("input/output error")}
	port.reads <- readResult{data: []byte("recovered\n")}
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-rerr": port})
	if err := l.Connect(cfg("dev-rerr")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "line after read error", func() bool { return len(rec.Lines()) == 1 })
	if l.State() != StateConnected {
		t.Fatalf("read error changed state to %v", l.State())
	}
	found := false
	for _, d := range rec.Diags() {
		if strings.Contains(d, "input/output error") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected read error diagnostic, got %q", rec.Diags())
	}
}

func TestDecodeFailureReplacedNotFatal(t *testing.T) {
	rec := &recorder{}
	port := newFakePort("ok1\n\xff\xfe\nok2\n")
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-dec": port})
	if err := l.Connect(cfg("dev-dec")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "three lines", func() bool { return len(rec.Lines()) == 3 })
	got := rec.Lines()
	if got[0] != "ok1" || got[1] != "�" || got[2] != "ok2" {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestStatsTicks(t *testing.T) {
	rec := &recorder{}
	port := newFakePort("a\nb\n")
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-stats": port}, WithStatsInterval(20*time.Millisecond), WithHistory(3))
	if err := l.Connect(cfg("dev-stats")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "several ticks", func() bool { return len(rec.Snaps()) >= 5 })
	var lines, bytes uint64
	for _, s := range rec.Snaps() {
		lines += s.Lines
		bytes += s.Bytes
		if len(s.LineHistory) != len(s.ByteHistory) || len(s.LineHistory) > 3 {
			t.Fatalf("bad history lengths %d/%d", len(s.LineHistory), len(s.ByteHistory))
		}
	}
	if lines != 2 || bytes != 4 {
		t.Fatalf("expected 2 lines / 4 bytes over all ticks, got %d / %d", lines, bytes)
	}
	last, ok := l.LastStats()
	if !ok || len(last.LineHistory) != 3 {
		t.Fatalf("expected full history in last stats, got %+v ok=%v", last, ok)
	}
}

func TestStatsTicksCatchUpAfterBlockingRead(t *testing.T) {
	rec := &recorder{}
	port := newFakePort()
	port.idle = 120 * time.Millisecond
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-slow": port}, WithStatsInterval(20*time.Millisecond), WithHistory(10))
	if err := l.Connect(cfg("dev-slow")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// one snapshot per blocking read would take 2.4s to reach 20
	waitFor(t, "ticks for every interval", func() bool { return len(rec.Snaps()) >= 20 })
	for _, s := range rec.Snaps() {
		if len(s.LineHistory) != len(s.ByteHistory) || len(s.LineHistory) > 10 {
			t.Fatalf("bad history lengths %d/%d", len(s.LineHistory), len(s.ByteHistory))
		}
	}
}

func TestElapsedTicks(t *testing.T) {
	due := time.Unix(100, 0)
	iv := 50 * time.Millisecond
	cases := []struct {
		after time.Duration
		want  int
	}{
		{0, 1},
		{49 * time.Millisecond, 1},
		{50 * time.Millisecond, 1},
		{210 * time.Millisecond, 4},
	}
	for _, c := range cases {
		if got := elapsedTicks(due, due.Add(c.after), iv); got != c.want {
			t.Errorf("elapsedTicks(+%v) = %d, want %d", c.after, got, c.want)
		}
	}
}

func TestReconnectResetsFramer(t *testing.T) {
	rec := &recorder{}
	first := newFakePort("partial")
	second := newFakePort("line\n")
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-1": first, "dev-2": second})
	if err := l.Connect(cfg("dev-1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "first chunk consumed", func() bool { return len(first.reads) == 0 })
	time.Sleep(20 * time.Millisecond)
	if err := l.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := l.Connect(cfg("dev-2")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, "line", func() bool { return len(rec.Lines()) == 1 })
	if got := rec.Lines()[0]; got != "line" {
		t.Fatalf("stale fragment leaked into new session: %q", got)
	}
}

func TestTeardownIsTerminal(t *testing.T) {
	rec := &recorder{}
	port := newFakePort()
	l := newTestLoop(t, rec, map[string]*fakePort{"dev-td": port})
	if err := l.Connect(cfg("dev-td")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	l.Teardown()
	l.Teardown()
	if l.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", l.State())
	}
	if !port.closed.Load() {
		t.Fatalf("teardown did not close the port")
	}
	if err := l.Connect(cfg("dev-td")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := l.Disconnect(); err != nil {
		t.Fatalf("disconnect after teardown: %v", err)
	}
}

func TestConsumerPanicDoesNotStopDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []string
	c := ConsumerFuncs{Line: func(s string) {
		if s == "boom" {
			panic("consumer bug")
		}
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}}
	l, err := New(c, WithLogger(logging.Discard()), WithPortOpener(portsByDevice(map[string]*fakePort{"dev-panic": newFakePort("a\nboom\nb\n")})), WithStatsInterval(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Teardown()
	if err := l.Connect(cfg("dev-panic")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "lines around panic", func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 2 })
}

func TestNewRejectsBadFramerOptions(t *testing.T) {
	if _, err := New(&recorder{}, WithFramerOptions(line.WithEncoding("not-a-charset"))); err == nil {
		t.Fatalf("expected framer option error")
	}
}

func TestStateString(t *testing.T) {
	if StateIdle.String() != "idle" || StateConnected.String() != "connected" || StateStopped.String() != "stopped" {
		t.Fatalf("unexpected state names")
	}
}

// errPort fails every read.
type errPort struct{}

func (errPort) Read([]byte) (int, error)    { return 0, io.ErrNoProgress }
func (errPort) Write(b []byte) (int, error) { return len(b), nil }
func (errPort) Close() error                { return nil }

func TestReadErrorBackoffProgression(t *testing.T) {
	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		if len(seen) < 7 {
			seen = append(seen, d)
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return ctx.Err() == nil
	}
	defer func() { sleepFn = sleepCtx }()

	l, err := New(&recorder{}, WithLogger(logging.Discard()), WithStatsInterval(0),
		WithPortOpener(func(serial.Config) (serial.Port, error) { return errPort{}, nil }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Connect(cfg("dev-backoff")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "seven backoffs", func() bool { mu.Lock(); defer mu.Unlock(); return len(seen) == 7 })
	l.Teardown()

	want := []time.Duration{20, 40, 80, 160, 320, 500, 500}
	mu.Lock()
	defer mu.Unlock()
	for i, w := range want {
		if seen[i] != w*time.Millisecond {
			t.Fatalf("backoff %d: got %v want %v (all %v)", i, seen[i], w*time.Millisecond, seen)
		}
	}
}
