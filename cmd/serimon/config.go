package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-serimon/internal/hub"
	"github.com/kstaniek/go-serimon/internal/line"
	"github.com/kstaniek/go-serimon/internal/serial"
)

type appConfig struct {
	port            string
	baud            int
	readTO          time.Duration
	driver          string
	exclusive       bool
	encoding        string
	decodePolicy    string
	maxLine         int
	lineEnding      string
	timestamps      bool
	statsInterval   time.Duration
	history         int
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	metricsAddr     string
	tapListen       string
	tapBuffer       int
	tapPolicy       string
	tapMaxClients   int
	tapReadTO       time.Duration
	mdnsEnable      bool
	mdnsName        string
	list            bool

	// set by validate
	policy    line.Policy
	hubPolicy hub.BackpressurePolicy
}

const (
	defaultBaud    = 57600
	defaultMaxLine = 64 * 1024
)

func parseFlags() (*appConfig, bool) {
	return parseArgs(flag.CommandLine, os.Args[1:], os.Stderr)
}

// parseArgs parses args into a config; a nil config means the arguments were
// rejected and the reason was written to errOut.
func parseArgs(fs *flag.FlagSet, args []string, errOut io.Writer) (*appConfig, bool) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.port, "port", "", "Serial device to open at start (empty: start idle, use /connect)")
	fs.IntVar(&cfg.baud, "baud", defaultBaud, fmt.Sprintf("Baud rate, any positive value (common: %s)", joinInts(serial.StandardBauds)))
	fs.DurationVar(&cfg.readTO, "read-timeout", serial.DefaultReadTimeout, "Upper bound of a single serial read (0 = driver default)")
	fs.StringVar(&cfg.driver, "driver", serial.DriverTarm, "Serial driver: tarm|bugst")
	fs.BoolVar(&cfg.exclusive, "exclusive", true, "Take a host-wide lock on the device while open")
	fs.StringVar(&cfg.encoding, "encoding", "utf-8", "Character encoding of incoming bytes (WHATWG label)")
	fs.StringVar(&cfg.decodePolicy, "decode-policy", "replace", "Undecodable lines: replace|drop")
	fs.IntVar(&cfg.maxLine, "max-line", defaultMaxLine, "Flush an unterminated line longer than this many bytes (0 = unbounded)")
	fs.StringVar(&cfg.lineEnding, "line-ending", "lf", "Terminator appended to sent lines: lf|crlf|cr")
	fs.BoolVar(&cfg.timestamps, "timestamps", false, "Prefix console output with a timestamp")
	fs.DurationVar(&cfg.statsInterval, "stats-interval", time.Second, "Throughput tick interval (0 disables)")
	fs.IntVar(&cfg.history, "history", 60, "Throughput ticks kept in history")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.tapListen, "tap-listen", "", "TCP tap listen address (e.g., :20100); empty disables")
	fs.IntVar(&cfg.tapBuffer, "tap-buffer", 512, "Per-client tap buffer (lines)")
	fs.StringVar(&cfg.tapPolicy, "tap-policy", "drop", "Tap backpressure policy: drop|kick")
	fs.IntVar(&cfg.tapMaxClients, "tap-max-clients", 0, "Maximum simultaneous tap clients (0 = unlimited)")
	fs.DurationVar(&cfg.tapReadTO, "tap-read-timeout", 60*time.Second, "Per-connection tap read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the tap via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default serimon-<hostname>)")
	fs.BoolVar(&cfg.list, "list", false, "List serial ports and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}

	// explicitly set flags win over the environment
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Fprintf(errOut, "environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(errOut, "configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.driver {
	case serial.DriverTarm, serial.DriverBugst:
	default:
		return fmt.Errorf("invalid driver: %s", c.driver)
	}
	policy, err := line.ParsePolicy(c.decodePolicy)
	if err != nil {
		return fmt.Errorf("invalid decode-policy: %s", c.decodePolicy)
	}
	c.policy = policy
	if _, err := line.NewFramer(line.WithEncoding(c.encoding)); err != nil {
		return fmt.Errorf("invalid encoding: %s", c.encoding)
	}
	if _, ok := lineEndings[c.lineEnding]; !ok {
		return fmt.Errorf("invalid line-ending: %s", c.lineEnding)
	}
	hubPolicy, err := hub.ParsePolicy(c.tapPolicy)
	if err != nil {
		return fmt.Errorf("invalid tap-policy: %s", c.tapPolicy)
	}
	c.hubPolicy = hubPolicy
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.readTO < 0 {
		return fmt.Errorf("read-timeout must be >= 0")
	}
	if c.maxLine < 0 {
		return fmt.Errorf("max-line must be >= 0")
	}
	if c.statsInterval < 0 {
		return fmt.Errorf("stats-interval must be >= 0")
	}
	if c.history <= 0 {
		return fmt.Errorf("history must be > 0 (got %d)", c.history)
	}
	if c.tapBuffer <= 0 {
		return fmt.Errorf("tap-buffer must be > 0 (got %d)", c.tapBuffer)
	}
	if c.tapMaxClients < 0 {
		return fmt.Errorf("tap-max-clients must be >= 0")
	}
	if c.tapReadTO <= 0 {
		return fmt.Errorf("tap-read-timeout must be > 0")
	}
	return nil
}

var lineEndings = map[string]string{"lf": "\n", "crlf": "\r\n", "cr": "\r"}

func (c *appConfig) serialConfig(device string, baud int) serial.Config {
	return serial.Config{Device: device, Baud: baud, ReadTimeout: c.readTO, Driver: c.driver, Exclusive: c.exclusive}
}

// applyEnvOverrides maps SERIMON_* environment variables to config fields
// unless the corresponding flag was set. Empty values are ignored; the first
// parse error is returned after all variables were applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(k string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", k, err)
		}
	}
	lookup := func(flagName, env string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(env)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, env string, dst *string) {
		if v, ok := lookup(flagName, env); ok {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int) {
		if v, ok := lookup(flagName, env); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = n
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if v, ok := lookup(flagName, env); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if v, ok := lookup(flagName, env); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(env, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}
	str("port", "SERIMON_PORT", &c.port)
	num("baud", "SERIMON_BAUD", &c.baud)
	dur("read-timeout", "SERIMON_READ_TIMEOUT", &c.readTO)
	str("driver", "SERIMON_DRIVER", &c.driver)
	boolean("exclusive", "SERIMON_EXCLUSIVE", &c.exclusive)
	str("encoding", "SERIMON_ENCODING", &c.encoding)
	str("decode-policy", "SERIMON_DECODE_POLICY", &c.decodePolicy)
	num("max-line", "SERIMON_MAX_LINE", &c.maxLine)
	str("line-ending", "SERIMON_LINE_ENDING", &c.lineEnding)
	boolean("timestamps", "SERIMON_TIMESTAMPS", &c.timestamps)
	dur("stats-interval", "SERIMON_STATS_INTERVAL", &c.statsInterval)
	num("history", "SERIMON_HISTORY", &c.history)
	str("log-format", "SERIMON_LOG_FORMAT", &c.logFormat)
	str("log-level", "SERIMON_LOG_LEVEL", &c.logLevel)
	dur("log-metrics-interval", "SERIMON_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	str("metrics-addr", "SERIMON_METRICS", &c.metricsAddr)
	str("tap-listen", "SERIMON_TAP_LISTEN", &c.tapListen)
	num("tap-buffer", "SERIMON_TAP_BUFFER", &c.tapBuffer)
	str("tap-policy", "SERIMON_TAP_POLICY", &c.tapPolicy)
	num("tap-max-clients", "SERIMON_TAP_MAX_CLIENTS", &c.tapMaxClients)
	dur("tap-read-timeout", "SERIMON_TAP_READ_TIMEOUT", &c.tapReadTO)
	boolean("mdns-enable", "SERIMON_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "SERIMON_MDNS_NAME", &c.mdnsName)
	return firstErr
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ", ")
}
