package models

import "strings"

// Collection names. The store's access rules key off these.
const (
	CollMessages = "messages"
	CollPresence = "presence"
	CollTyping   = "typing"
	CollAudit    = "audit"
	CollProfiles = "profiles"
)

// Room resolves store paths for one shared feed.
type Room struct {
	Name string
}

func (r Room) base() string {
	return "rooms/" + strings.Trim(r.Name, "/")
}

func (r Room) Messages() string { return r.base() + "/" + CollMessages }
func (r Room) Presence() string { return r.base() + "/" + CollPresence }
func (r Room) Typing() string   { return r.base() + "/" + CollTyping }
func (r Room) Audit() string    { return r.base() + "/" + CollAudit }

func (r Room) PresenceOf(userID string) string { return r.Presence() + "/" + userID }
func (r Room) TypingOf(userID string) string   { return r.Typing() + "/" + userID }

// ProfilePath is the store path of a user's profile.
func ProfilePath(userID string) string {
	return CollProfiles + "/" + userID
}
