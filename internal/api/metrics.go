package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// statusDBTimeout bounds the database probe of the status endpoint.
const statusDBTimeout = 2 * time.Second

// SystemStatus is the response of GET /api/v1/status.
type SystemStatus struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Stream        StreamMetrics    `json:"stream"`
	Devices       DeviceMetrics    `json:"devices"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// StreamMetrics mirrors orchestrator.Stats.
type StreamMetrics struct {
	State             string     `json:"state"`
	Endpoint          string     `json:"endpoint,omitempty"`
	MessagesReceived  uint64     `json:"messages_received"`
	MessagesSent      uint64     `json:"messages_sent"`
	DuplicatesDropped uint64     `json:"duplicates_dropped"`
	MessagesDropped   uint64     `json:"messages_dropped"`
	Connects          uint64     `json:"connects"`
	Reconnects        uint64     `json:"reconnects"`
	LastError         string     `json:"last_error,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
}

// DeviceMetrics summarises device state.
type DeviceMetrics struct {
	Total int `json:"total"`
	Stale int `json:"stale"`
}

// DatabaseMetrics reports the audit database.
type DatabaseMetrics struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// handleStatus returns runtime, stream and device statistics.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := s.conn.Stats()
	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
			NumGC:         mem.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Stream: StreamMetrics{
			State:             s.conn.State().String(),
			Endpoint:          stats.Endpoint,
			MessagesReceived:  stats.MessagesReceived,
			MessagesSent:      stats.MessagesSent,
			DuplicatesDropped: stats.DuplicatesDropped,
			MessagesDropped:   stats.MessagesDropped,
			Connects:          stats.Connects,
			Reconnects:        stats.Reconnects,
			LastError:         stats.LastError,
		},
	}
	if !stats.LastMessageAt.IsZero() {
		at := stats.LastMessageAt.UTC()
		status.Stream.LastMessageAt = &at
	}

	all := s.state.All()
	status.Devices.Total = len(all)
	for _, ds := range all {
		if ds.Stale() {
			status.Devices.Stale++
		}
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), statusDBTimeout)
		defer cancel()
		status.Database = &DatabaseMetrics{Healthy: true}
		if err := s.db.HealthCheck(ctx); err != nil {
			status.Database.Healthy = false
			status.Database.Error = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, status)
}
