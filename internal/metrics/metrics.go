package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"bootbus/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters/gauges for the bus, discovery, flasher, and monitor
// feed. Shape (promauto counters + a local atomic mirror for cheap slog
// snapshots) follows internal/metrics/metrics.go in the teacher repo.
var (
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_frames_decoded_total",
		Help: "Total response frames decoded off the serial bus.",
	})
	CRCMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_crc_mismatches_total",
		Help: "Total candidate frames dropped for CRC mismatch.",
	})
	SerialTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_serial_tx_total",
		Help: "Total frames written to the serial link.",
	})
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_rx_queue_drops_total",
		Help: "Total decoded frames dropped because the receive queue was full.",
	})
	DiscoveryRounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discovery_rounds_total",
		Help: "Total BOOT_GET_ID polling rounds issued by the discovery engine.",
	})
	NodesDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "discovery_nodes_discovered",
		Help: "Number of UIDs discovered by the most recent scan.",
	})
	BlocksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flasher_blocks_written_total",
		Help: "Total BOOT_WRITE blocks broadcast by the flasher.",
	})
	VerifyMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flasher_verify_match_total",
		Help: "Total remote CRC verifications that matched the local image.",
	})
	VerifyMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flasher_verify_mismatch_total",
		Help: "Total remote CRC verifications that did not match or timed out.",
	})
	MonitorClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_active_clients",
		Help: "Current number of connected monitor TCP clients.",
	})
	MonitorDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_dropped_frames_total",
		Help: "Total frames dropped fanning out to monitor clients due to backpressure.",
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

// Error label constants (stable label values to bound cardinality).
const (
	ErrSerialRead    = "serial_read"
	ErrSerialWrite   = "serial_write"
	ErrMonitorListen = "monitor_listen"
	ErrMonitorAccept = "monitor_accept"
	ErrMonitorWrite  = "monitor_write"
)

// Local mirrored counters for cheap in-process snapshots.
var (
	localFramesDecoded    uint64
	localCRCMismatches    uint64
	localSerialTx         uint64
	localQueueDrops       uint64
	localDiscoveryRounds  uint64
	localBlocksWritten    uint64
	localVerifyMatches    uint64
	localVerifyMismatches uint64
	localErrors           uint64
)

// Snapshot is a cheap copy of the local counters, suitable for periodic
// slog lines when Prometheus scraping isn't configured.
type Snapshot struct {
	FramesDecoded    uint64
	CRCMismatches    uint64
	SerialTx         uint64
	QueueDrops       uint64
	DiscoveryRounds  uint64
	BlocksWritten    uint64
	VerifyMatches    uint64
	VerifyMismatches uint64
	Errors           uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesDecoded:    atomic.LoadUint64(&localFramesDecoded),
		CRCMismatches:    atomic.LoadUint64(&localCRCMismatches),
		SerialTx:         atomic.LoadUint64(&localSerialTx),
		QueueDrops:       atomic.LoadUint64(&localQueueDrops),
		DiscoveryRounds:  atomic.LoadUint64(&localDiscoveryRounds),
		BlocksWritten:    atomic.LoadUint64(&localBlocksWritten),
		VerifyMatches:    atomic.LoadUint64(&localVerifyMatches),
		VerifyMismatches: atomic.LoadUint64(&localVerifyMismatches),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func IncFramesDecoded() {
	FramesDecoded.Inc()
	atomic.AddUint64(&localFramesDecoded, 1)
}

func IncCRCMismatch() {
	CRCMismatches.Inc()
	atomic.AddUint64(&localCRCMismatches, 1)
}

func IncSerialTx() {
	SerialTx.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func IncQueueDrop() {
	QueueDrops.Inc()
	atomic.AddUint64(&localQueueDrops, 1)
}

func IncDiscoveryRound() {
	DiscoveryRounds.Inc()
	atomic.AddUint64(&localDiscoveryRounds, 1)
}

func SetNodesDiscovered(n int) {
	NodesDiscovered.Set(float64(n))
}

func IncBlocksWritten() {
	BlocksWritten.Inc()
	atomic.AddUint64(&localBlocksWritten, 1)
}

func IncVerifyMatch() {
	VerifyMatches.Inc()
	atomic.AddUint64(&localVerifyMatches, 1)
}

func IncVerifyMismatch() {
	VerifyMismatches.Inc()
	atomic.AddUint64(&localVerifyMismatches, 1)
}

func SetMonitorClients(n int) {
	MonitorClients.Set(float64(n))
}

func IncMonitorDropped() {
	MonitorDropped.Inc()
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers common error
// label series so the first error doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrSerialRead, ErrSerialWrite, ErrMonitorListen, ErrMonitorAccept, ErrMonitorWrite} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe at
// /ready.
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

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
