package models

import "time"

// PresenceRecord marks a connected user. LastSeenAt is refreshed by
// heartbeats; Stale is derived by readers and never stored.
type PresenceRecord struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	LastSeenAt  int64  `json:"last_seen_at"`
	Stale       bool   `json:"-"`
}

// LastSeen returns LastSeenAt as a time.
func (p PresenceRecord) LastSeen() time.Time {
	return time.UnixMilli(p.LastSeenAt)
}

// TypingState is the ephemeral per-user typing flag.
type TypingState struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
	UpdatedAt   int64  `json:"updated_at"`
}

// ExpiredAt reports whether the record is older than window at now.
func (s TypingState) ExpiredAt(now time.Time, window time.Duration) bool {
	return now.Sub(time.UnixMilli(s.UpdatedAt)) > window
}

// Profile is the display data of a user.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}
