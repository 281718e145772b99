package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-serimon/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total raw bytes read from the serial device.",
	})
	SerialRxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_lines_total",
		Help: "Total complete lines decoded from the serial stream.",
	})
	SerialTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_bytes_total",
		Help: "Total raw bytes written to the serial device.",
	})
	SerialTxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_lines_total",
		Help: "Total lines sent to the serial device.",
	})
	SerialConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serial_connected",
		Help: "1 while a serial device is open, 0 otherwise.",
	})
	LinesPerTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "throughput_lines_per_tick",
		Help: "Lines decoded during the most recent stats tick.",
	})
	BytesPerTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "throughput_bytes_per_tick",
		Help: "Bytes read during the most recent stats tick.",
	})
	DecodeReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "line_decode_replaced_total",
		Help: "Lines emitted with replacement characters for undecodable bytes.",
	})
	DecodeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "line_decode_dropped_total",
		Help: "Lines dropped because they could not be decoded (drop policy).",
	})
	LineOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "line_overflow_total",
		Help: "Unterminated fragments flushed because they exceeded the line cap.",
	})
	TapRxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_rx_lines_total",
		Help: "Total lines received from TCP tap clients.",
	})
	TapTxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_tx_lines_total",
		Help: "Total lines written to TCP tap clients.",
	})
	HubDroppedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_lines_total",
		Help: "Total lines dropped by hub due to slow tap clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total tap clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total tap connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected tap clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued lines among tap clients in the last sample.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued lines per tap client in the last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialOpen     = "serial_open"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrTapRead        = "tap_read"
	ErrTapWrite       = "tap_write"
	ErrTapAccept      = "tap_accept"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for logging without scraping Prometheus in-process.
var (
	localRxBytes      uint64
	localRxLines      uint64
	localTxBytes      uint64
	localTxLines      uint64
	localConnected    uint64
	localLinesTick    uint64
	localBytesTick    uint64
	localReplaced     uint64
	localDropped      uint64
	localOverflows    uint64
	localTapRx        uint64
	localTapTx        uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localHubClients   uint64
	localFanout       uint64
	localQDMax        uint64
	localQDAvg        uint64
	localErrors       uint64
	localConnectCount uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	RxBytes       uint64
	RxLines       uint64
	TxBytes       uint64
	TxLines       uint64
	Connected     bool
	Connects      uint64
	LinesPerTick  uint64
	BytesPerTick  uint64
	Replaced      uint64
	Dropped       uint64
	Overflows     uint64
	TapRx         uint64
	TapTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	Fanout        uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		RxBytes:       atomic.LoadUint64(&localRxBytes),
		RxLines:       atomic.LoadUint64(&localRxLines),
		TxBytes:       atomic.LoadUint64(&localTxBytes),
		TxLines:       atomic.LoadUint64(&localTxLines),
		Connected:     atomic.LoadUint64(&localConnected) == 1,
		Connects:      atomic.LoadUint64(&localConnectCount),
		LinesPerTick:  atomic.LoadUint64(&localLinesTick),
		BytesPerTick:  atomic.LoadUint64(&localBytesTick),
		Replaced:      atomic.LoadUint64(&localReplaced),
		Dropped:       atomic.LoadUint64(&localDropped),
		Overflows:     atomic.LoadUint64(&localOverflows),
		TapRx:         atomic.LoadUint64(&localTapRx),
		TapTx:         atomic.LoadUint64(&localTapTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

// AddSerialRx records one read cycle: n raw bytes yielding lines decoded lines.
func AddSerialRx(n, lines int) {
	if n > 0 {
		SerialRxBytes.Add(float64(n))
		atomic.AddUint64(&localRxBytes, uint64(n))
	}
	if lines > 0 {
		SerialRxLines.Add(float64(lines))
		atomic.AddUint64(&localRxLines, uint64(lines))
	}
}

// AddSerialTx records one sent line of n bytes.
func AddSerialTx(n int) {
	SerialTxLines.Inc()
	atomic.AddUint64(&localTxLines, 1)
	if n > 0 {
		SerialTxBytes.Add(float64(n))
		atomic.AddUint64(&localTxBytes, uint64(n))
	}
}

func SetConnected(on bool) {
	if on {
		SerialConnected.Set(1)
		atomic.StoreUint64(&localConnected, 1)
		atomic.AddUint64(&localConnectCount, 1)
		return
	}
	SerialConnected.Set(0)
	atomic.StoreUint64(&localConnected, 0)
}

// SetThroughput publishes the values of the most recent stats tick.
func SetThroughput(lines, bytes uint64) {
	LinesPerTick.Set(float64(lines))
	BytesPerTick.Set(float64(bytes))
	atomic.StoreUint64(&localLinesTick, lines)
	atomic.StoreUint64(&localBytesTick, bytes)
}

func AddDecodeReplaced(n uint64) {
	if n == 0 {
		return
	}
	DecodeReplaced.Add(float64(n))
	atomic.AddUint64(&localReplaced, n)
}

func AddDecodeDropped(n uint64) {
	if n == 0 {
		return
	}
	DecodeDropped.Add(float64(n))
	atomic.AddUint64(&localDropped, n)
}

func AddLineOverflows(n uint64) {
	if n == 0 {
		return
	}
	LineOverflows.Add(float64(n))
	atomic.AddUint64(&localOverflows, n)
}

func IncTapRx() {
	TapRxLines.Inc()
	atomic.AddUint64(&localTapRx, 1)
}

func AddTapTx(n int) {
	TapTxLines.Add(float64(n))
	atomic.AddUint64(&localTapTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedLines.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error series so dashboards see zeros before the first error.
	for _, lbl := range []string{
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrTapRead, ErrTapWrite, ErrTapAccept,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so the endpoint doesn't flap during startup
		return true
	}
	return fn()
}
