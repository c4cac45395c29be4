package api

import (
	"net/http"
	"time"
)

// StatusResponse is the full diagnostic snapshot returned by /status.
type StatusResponse struct {
	InstanceID    string `json:"instance_id"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	// Relay is the command channel to the cloud.
	Relay ChannelStatus `json:"relay"`

	// ReportState is the state-reporting channel, when configured.
	ReportState *ChannelStatus `json:"report_state,omitempty"`

	// ReportQueue is the outbound report queue, when configured.
	ReportQueue *QueueStatus `json:"report_queue,omitempty"`

	// Session is the cloud session, when configured.
	Session *SessionStatus `json:"session,omitempty"`

	// MQTTConnected reports whether the local bus is reachable.
	MQTTConnected bool `json:"mqtt_connected"`
}

// ChannelStatus describes one relay channel.
type ChannelStatus struct {
	State           string          `json:"state"`
	Tries           int             `json:"tries"`
	FramesTx        uint64          `json:"frames_tx"`
	FramesRx        uint64          `json:"frames_rx"`
	ReconnectsTotal uint64          `json:"reconnects_total"`
	ErrorsTotal     uint64          `json:"errors_total"`
	LastActivity    *time.Time      `json:"last_activity,omitempty"`
	LastDisconnect  *DisconnectInfo `json:"last_disconnect,omitempty"`
}

// DisconnectInfo describes why a channel last dropped.
type DisconnectInfo struct {
	Clean  bool   `json:"clean"`
	Reason string `json:"reason,omitempty"`
}

// QueueStatus describes the outbound report queue.
type QueueStatus struct {
	Depth   int `json:"depth"`
	Pending int `json:"pending"`
}

// SessionStatus describes the cloud session.
type SessionStatus struct {
	LoggedIn            bool   `json:"logged_in"`
	Username            string `json:"username,omitempty"`
	SubscriptionExpired bool   `json:"subscription_expired"`
}

// handleStatus returns a diagnostic snapshot of the cloud link.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		InstanceID:    s.instanceID,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Relay:         channelStatus(s.link),
	}

	if s.reportLink != nil {
		cs := channelStatus(s.reportLink)
		resp.ReportState = &cs
	}
	if s.reporter != nil {
		resp.ReportQueue = &QueueStatus{
			Depth:   s.reporter.QueueDepth(),
			Pending: s.reporter.PendingCount(),
		}
	}
	if s.session != nil {
		resp.Session = &SessionStatus{
			LoggedIn:            s.session.LoggedIn(),
			Username:            s.session.Username(),
			SubscriptionExpired: s.session.SubscriptionExpired(),
		}
	}
	if s.bus != nil {
		resp.MQTTConnected = s.bus.IsConnected()
	}

	respond(w, http.StatusOK, resp)
}

// channelStatus snapshots one relay channel.
func channelStatus(link RelayStatus) ChannelStatus {
	stats := link.Stats()
	cs := ChannelStatus{
		State:           stats.State.String(),
		Tries:           stats.Tries,
		FramesTx:        stats.FramesTx,
		FramesRx:        stats.FramesRx,
		ReconnectsTotal: stats.ReconnectsTotal,
		ErrorsTotal:     stats.ErrorsTotal,
	}
	if !stats.LastActivity.IsZero() {
		la := stats.LastActivity
		cs.LastActivity = &la
	}
	if dr := link.LastDisconnectReason(); dr != nil {
		cs.LastDisconnect = &DisconnectInfo{Clean: dr.Clean, Reason: dr.Reason}
	}
	return cs
}
