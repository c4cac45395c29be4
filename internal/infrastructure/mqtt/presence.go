package mqtt

import (
	"encoding/json"
	"time"
)

// Presence states published on Topics{}.CloudPresence(). The record is
// retained, so any bus peer can read the link's availability without
// waiting for a transition.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"

	// reasonLinkLost is carried by the broker-delivered last will.
	reasonLinkLost = "unexpected_disconnect"

	// reasonShutdown is published by Close before disconnecting.
	reasonShutdown = "graceful_shutdown"
)

// presenceRecord is the wire form of a presence announcement.
type presenceRecord struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// presencePayload renders the presence record for one client. Reason
// is left empty, and therefore omitted, for online announcements.
func presencePayload(clientID, status, reason string) []byte {
	payload, _ := json.Marshal(presenceRecord{
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return payload
}
