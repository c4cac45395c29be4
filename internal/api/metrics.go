package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the /metrics response: one snapshot covering the
// process, the relay channel, the local bus and the database pool.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	MQTT          MQTTMetrics     `json:"mqtt"`
	Relay         RelayMetrics    `json:"relay"`
	Database      DatabaseMetrics `json:"database"`
}

// RuntimeMetrics holds Go runtime counters.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics holds local bus connectivity.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// RelayMetrics holds command channel counters.
type RelayMetrics struct {
	State           string `json:"state"`
	FramesTx        uint64 `json:"frames_tx"`
	FramesRx        uint64 `json:"frames_rx"`
	ReconnectsTotal uint64 `json:"reconnects_total"`
	ErrorsTotal     uint64 `json:"errors_total"`
}

// DatabaseMetrics holds connection pool counters.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

const bytesPerMB = 1 << 20

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       collectRuntime(),
		Relay:         collectRelay(s.link),
	}

	if s.bus != nil {
		metrics.MQTT.Connected = s.bus.IsConnected()
	}
	if s.db != nil {
		pool := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: pool.OpenConnections,
			InUse:           pool.InUse,
			Idle:            pool.Idle,
			WaitCount:       pool.WaitCount,
		}
	}

	respond(w, http.StatusOK, metrics)
}

func collectRuntime() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / bytesPerMB,
		MemoryTotalMB: float64(mem.TotalAlloc) / bytesPerMB,
		NumGC:         mem.NumGC,
	}
}

func collectRelay(link RelayStatus) RelayMetrics {
	stats := link.Stats()
	return RelayMetrics{
		State:           stats.State.String(),
		FramesTx:        stats.FramesTx,
		FramesRx:        stats.FramesRx,
		ReconnectsTotal: stats.ReconnectsTotal,
		ErrorsTotal:     stats.ErrorsTotal,
	}
}
