package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-tty0tty/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bridge directions (label values of bridge_bytes_total).
const (
	DirAtoB = "a_to_b"
	DirBtoA = "b_to_a"
)

// Prometheus collectors
var (
	BridgeBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_bytes_total",
		Help: "Bytes copied between the two pty masters of the null modem.",
	}, []string{"direction"})
	BridgeDroppedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_dropped_chunks_total",
		Help: "Chunks discarded because the peer writer queue was full or wedged.",
	})
	EndpointTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_tx_bytes_total",
		Help: "Bytes written to serial endpoints.",
	})
	EndpointRxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_rx_lines_total",
		Help: "Lines read from serial endpoints (complete or timed out).",
	})
	LoopbackWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loopback_wait_seconds",
		Help:    "Time spent polling the receive endpoint until input was pending.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5, 10},
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
	ErrEndpointOpen  = "endpoint_open"
	ErrEndpointWrite = "endpoint_write"
	ErrEndpointRead  = "endpoint_read"
	ErrDecode        = "decode"
	ErrWaitTimeout   = "wait_timeout"
	ErrPumpRead      = "pump_read"
	ErrBridgeRead    = "bridge_read"
	ErrBridgeWrite   = "bridge_write"
	ErrBridgeOver    = "bridge_overflow"
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
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localBridgeAtoB atomic.Uint64
	localBridgeBtoA atomic.Uint64
	localDropped    atomic.Uint64
	localTxBytes    atomic.Uint64
	localRxLines    atomic.Uint64
	localErrors     atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BridgeAtoB    uint64
	BridgeBtoA    uint64
	BridgeDropped uint64
	TxBytes       uint64
	RxLines       uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		BridgeAtoB:    localBridgeAtoB.Load(),
		BridgeBtoA:    localBridgeBtoA.Load(),
		BridgeDropped: localDropped.Load(),
		TxBytes:       localTxBytes.Load(),
		RxLines:       localRxLines.Load(),
		Errors:        localErrors.Load(),
	}
}

// AddBridgeBytes records n bytes copied in direction dir.
func AddBridgeBytes(dir string, n int) {
	BridgeBytes.WithLabelValues(dir).Add(float64(n))
	switch dir {
	case DirAtoB:
		localBridgeAtoB.Add(uint64(n))
	case DirBtoA:
		localBridgeBtoA.Add(uint64(n))
	}
}

func IncBridgeDrop() {
	BridgeDroppedChunks.Inc()
	localDropped.Add(1)
}

func AddTxBytes(n int) {
	EndpointTxBytes.Add(float64(n))
	localTxBytes.Add(uint64(n))
}

func IncRxLine() {
	EndpointRxLines.Inc()
	localRxLines.Add(1)
}

// ObserveWait records how long the receive side waited for pending input.
func ObserveWait(d time.Duration) { LoopbackWait.Observe(d.Seconds()) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrEndpointOpen, ErrEndpointWrite, ErrEndpointRead,
		ErrDecode, ErrWaitTimeout, ErrPumpRead,
		ErrBridgeRead, ErrBridgeWrite, ErrBridgeOver,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, dir := range []string{DirAtoB, DirBtoA} {
		BridgeBytes.WithLabelValues(dir).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
