package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-serimon/internal/serial"
	"github.com/kstaniek/go-serimon/internal/session"
)

// console prints session output; it is the terminal's session consumer.
type console struct {
	mu         sync.Mutex
	out        io.Writer
	timestamps bool
	now        func() time.Time
}

func newConsole(out io.Writer, timestamps bool) *console {
	return &console{out: out, timestamps: timestamps, now: time.Now}
}

func (c *console) OnLine(text string)       { c.print("", text) }
func (c *console) OnDiagnostic(text string) { c.print("-- ", text) }

func (c *console) Printf(format string, args ...any) { c.print("", fmt.Sprintf(format, args...)) }

func (c *console) print(prefix, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timestamps {
		fmt.Fprintf(c.out, "%s %s%s\n", c.now().Format("15:04:05.000"), prefix, text)
		return
	}
	fmt.Fprintf(c.out, "%s%s\n", prefix, text)
}

// controller is the part of session.Loop the console drives.
type controller interface {
	Connect(serial.Config) error
	Disconnect() error
	Send(string) error
	State() session.State
	Config() (serial.Config, bool)
	LastStats() (session.Snapshot, bool)
}

// commander interprets console input: slash commands or text to send.
type commander struct {
	ctl   controller
	con   *console
	cfg   *appConfig
	ports func() []serial.PortInfo
}

const helpText = "commands: /ports  /connect [device] [baud]  /disconnect  /stats  /help  /quit  (//text sends /text)"

// handle runs one input line and reports whether the user asked to quit.
func (c *commander) handle(input string) bool {
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		c.send(input)
		return false
	}
	if strings.HasPrefix(input, "//") {
		c.send(input[1:])
		return false
	}
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		c.con.OnDiagnostic(helpText)
	case "/ports":
		c.listPorts()
	case "/connect":
		c.connect(fields[1:])
	case "/disconnect":
		if err := c.ctl.Disconnect(); err != nil {
			c.con.OnDiagnostic("disconnect: " + err.Error())
		}
	case "/stats":
		c.stats()
	default:
		c.con.OnDiagnostic("unknown command " + fields[0] + "; " + helpText)
	}
	return false
}

func (c *commander) send(text string) {
	if err := c.ctl.Send(text); err != nil {
		c.con.OnDiagnostic(err.Error())
	}
}

func (c *commander) listPorts() {
	ports := c.ports()
	if len(ports) == 0 {
		c.con.OnDiagnostic("no serial ports found")
		return
	}
	for _, p := range ports {
		c.con.OnDiagnostic(formatPort(p))
	}
}

func (c *commander) connect(args []string) {
	device, baud := c.cfg.port, c.cfg.baud
	if cur, ok := c.ctl.Config(); ok {
		device, baud = cur.Device, cur.Baud
	}
	if len(args) > 0 {
		device = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			c.con.OnDiagnostic("invalid baud " + args[1])
			return
		}
		baud = n
	}
	if device == "" {
		if ports := c.ports(); len(ports) > 0 {
			device = ports[0].Name
		}
	}
	if device == "" {
		c.con.OnDiagnostic("no device given and none found; try /ports")
		return
	}
	if err := c.ctl.Connect(c.cfg.serialConfig(device, baud)); err != nil {
		c.con.OnDiagnostic(err.Error())
	}
}

func (c *commander) stats() {
	s, ok := c.ctl.LastStats()
	if !ok {
		c.con.OnDiagnostic("no statistics yet (" + c.ctl.State().String() + ")")
		return
	}
	lps, bps := s.PerSecond()
	c.con.OnDiagnostic(fmt.Sprintf("%.1f lines/s  %.1f bytes/s  last %d ticks: %s",
		lps, bps, len(s.LineHistory), formatHistory(s.LineHistory, 20)))
}

// formatHistory renders at most n of the newest values.
func formatHistory(h []uint64, n int) string {
	if len(h) > n {
		h = h[len(h)-n:]
	}
	parts := make([]string, len(h))
	for i, v := range h {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, " ")
}

func formatPort(p serial.PortInfo) string {
	if !p.IsUSB {
		return p.Name
	}
	s := fmt.Sprintf("%s  usb %s:%s", p.Name, p.VID, p.PID)
	if p.SerialNumber != "" {
		s += "  sn=" + p.SerialNumber
	}
	if p.Product != "" {
		s += "  " + p.Product
	}
	return s
}

// runConsole feeds input lines to cmd until EOF or /quit; quit reports the latter.
func runConsole(in io.Reader, cmd *commander) (quit bool, err error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if cmd.handle(strings.TrimRight(sc.Text(), "\r")) {
			return true, nil
		}
	}
	return false, sc.Err()
}
