package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemInfo is the response for GET /system.
type SystemInfo struct {
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Receiver      ReceiverStatus `json:"receiver"`
	Timestamp     string         `json:"timestamp"`
}

// ReceiverStatus summarises the receiver connection and identity.
type ReceiverStatus struct {
	State      string `json:"state"`
	ModelName  string `json:"model_name,omitempty"`
	ModelType  string `json:"model_type,omitempty"`
	Firmware   string `json:"firmware,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	SoundField string `json:"sound_field,omitempty"`
}

// SystemMetrics is the response for GET /metrics.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Session       SessionMetrics `json:"session"`
	Commands      CommandMetrics `json:"commands"`
	Bridge        map[string]any `json:"bridge,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// SessionMetrics contains receiver session statistics.
type SessionMetrics struct {
	State       string `json:"state"`
	FramesTx    uint64 `json:"frames_tx"`
	FramesRx    uint64 `json:"frames_rx"`
	ParseErrors uint64 `json:"parse_errors"`
	Reconnects  uint64 `json:"reconnects"`
}

// CommandMetrics contains command dispatch statistics.
type CommandMetrics struct {
	Total    uint64 `json:"total"`
	Rejected uint64 `json:"rejected"`
	TimedOut uint64 `json:"timed_out"`
	InFlight int    `json:"in_flight"`
}

// handleSystem returns daemon and receiver identity.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	device := s.controller.Device()

	writeJSON(w, http.StatusOK, SystemInfo{
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Receiver: ReceiverStatus{
			State:      s.controller.SessionState().String(),
			ModelName:  device.ModelName,
			ModelType:  device.ModelType,
			Firmware:   device.Version,
			MACAddress: device.MACAddress,
			SoundField: device.SoundField,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDevice returns the receiver identity gathered after connect.
func (s *Server) handleDevice(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Device())
}

// handleMetrics returns daemon metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := s.controller.Stats()

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Session: SessionMetrics{
			State:       stats.Session.State.String(),
			FramesTx:    stats.Session.FramesTx,
			FramesRx:    stats.Session.FramesRx,
			ParseErrors: stats.Session.ParseErrors,
			Reconnects:  stats.Session.ReconnectsTotal,
		},
		Commands: CommandMetrics{
			Total:    stats.Commands.CommandsTotal,
			Rejected: stats.Commands.CommandsRejected,
			TimedOut: stats.Commands.CommandsTimedOut,
			InFlight: stats.Commands.InFlight,
		},
	}

	if s.bridge != nil {
		metrics.Bridge = s.bridge.GetMetrics()
	}

	writeJSON(w, http.StatusOK, metrics)
}
