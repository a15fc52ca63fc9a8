package models

// Audit actions recorded under a room's audit path.
const (
	ActionMessageSent = "message_sent"
	ActionUserJoined  = "user_joined"
	ActionUserLeft    = "user_left"
)

type AuditEntry struct {
	Action string `json:"action"`
	UserID string `json:"user_id"`
	ItemID string `json:"item_id,omitempty"`
	At     int64  `json:"at"`
}
