// Package metrics exposes the sync engine's progress and health as
// Prometheus metrics, implementing syncengine.Recorder.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds every Prometheus metric the sync engine reports through.
// Per-chain/per-source series are CounterVec/GaugeVec, labeled so one
// registration covers every chain the process indexes.
type Metrics struct {
	CompletedBlocks *prometheus.CounterVec
	CachedBlocks    *prometheus.GaugeVec
	TotalBlocks     *prometheus.GaugeVec

	LastBlockSeen      *prometheus.GaugeVec
	RealtimeConnected  *prometheus.GaugeVec
	ReorgDepth         *prometheus.HistogramVec
	EventsMaterialized *prometheus.CounterVec

	server *http.Server
}

// New creates and registers every sync engine metric.
func New() *Metrics {
	m := &Metrics{
		CompletedBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainindex_completed_blocks_total",
				Help: "Total number of blocks synced per chain/source",
			},
			[]string{"chain_id", "source"},
		),
		CachedBlocks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainindex_cached_blocks",
				Help: "Number of blocks already present in the sync store for a chain/source",
			},
			[]string{"chain_id", "source"},
		),
		TotalBlocks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainindex_total_blocks",
				Help: "Total number of blocks a chain/source's filter window spans",
			},
			[]string{"chain_id", "source"},
		),
		LastBlockSeen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainindex_last_block_seen",
				Help: "Last block number observed for a chain",
			},
			[]string{"chain_id"},
		),
		RealtimeConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainindex_realtime_connected",
				Help: "Realtime follower connection status per chain (1=connected, 0=disconnected)",
			},
			[]string{"chain_id"},
		),
		ReorgDepth: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainindex_reorg_depth_blocks",
				Help:    "Depth, in blocks, of detected reorgs per chain",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to ~512 blocks
			},
			[]string{"chain_id"},
		),
		EventsMaterialized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainindex_events_materialized_total",
				Help: "Total number of events materialized into the sync store, by chain and event kind",
			},
			[]string{"chain_id", "kind"},
		),
	}

	prometheus.MustRegister(
		m.CompletedBlocks,
		m.CachedBlocks,
		m.TotalBlocks,
		m.LastBlockSeen,
		m.RealtimeConnected,
		m.ReorgDepth,
		m.EventsMaterialized,
	)

	return m
}

// StartServer starts the HTTP server exposing path on port for Prometheus
// scraping.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

func chainLabel(chainID uint64) string { return strconv.FormatUint(chainID, 10) }

// AddCompletedBlocks implements syncengine.Recorder.
func (m *Metrics) AddCompletedBlocks(chainID uint64, sourceName string, n uint64) {
	m.CompletedBlocks.WithLabelValues(chainLabel(chainID), sourceName).Add(float64(n))
}

// SetCachedBlocks implements syncengine.Recorder.
func (m *Metrics) SetCachedBlocks(chainID uint64, sourceName string, n uint64) {
	m.CachedBlocks.WithLabelValues(chainLabel(chainID), sourceName).Set(float64(n))
}

// SetTotalBlocks implements syncengine.Recorder.
func (m *Metrics) SetTotalBlocks(chainID uint64, sourceName string, n uint64) {
	m.TotalBlocks.WithLabelValues(chainLabel(chainID), sourceName).Set(float64(n))
}

// SetLastBlockSeen implements syncengine.Recorder.
func (m *Metrics) SetLastBlockSeen(chainID uint64, n uint64) {
	m.LastBlockSeen.WithLabelValues(chainLabel(chainID)).Set(float64(n))
}

// SetRealtimeConnected implements syncengine.Recorder.
func (m *Metrics) SetRealtimeConnected(chainID uint64, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.RealtimeConnected.WithLabelValues(chainLabel(chainID)).Set(v)
}

// RecordReorgDepth implements syncengine.Recorder.
func (m *Metrics) RecordReorgDepth(chainID uint64, depth uint64) {
	m.ReorgDepth.WithLabelValues(chainLabel(chainID)).Observe(float64(depth))
}

// RecordEventsMaterialized implements syncengine.Recorder.
func (m *Metrics) RecordEventsMaterialized(chainID uint64, kind string, n int) {
	m.EventsMaterialized.WithLabelValues(chainLabel(chainID), kind).Add(float64(n))
}
