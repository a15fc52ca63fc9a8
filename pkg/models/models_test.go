package models

import (
	"regexp"
	"testing"
	"time"
)

func TestGenTempID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	a := GenTempID(now)
	b := GenTempID(now)
	re := regexp.MustCompile(`^temp-1700000000123-[0-9a-f]{8}$`)
	if !re.MatchString(a) {
		t.Fatalf("unexpected temp id shape %q", a)
	}
	if a == b {
		t.Fatalf("temp ids must not repeat: %q", a)
	}
	if !IsTempID(a) || IsTempID("00000000001700000000-000001") {
		t.Fatalf("IsTempID misclassified ids")
	}
}

func TestTypingExpiry(t *testing.T) {
	now := time.UnixMilli(100_000)
	s := TypingState{UserID: "u1", IsTyping: true, UpdatedAt: 89_000}
	if !s.ExpiredAt(now, 10*time.Second) {
		t.Fatalf("11s old record should be expired")
	}
	s.UpdatedAt = 95_000
	if s.ExpiredAt(now, 10*time.Second) {
		t.Fatalf("5s old record should not be expired")
	}
}

func TestRoomPaths(t *testing.T) {
	r := Room{Name: "/general/"}
	if got := r.Messages(); got != "rooms/general/messages" {
		t.Fatalf("Messages() = %q", got)
	}
	if got := r.PresenceOf("u1"); got != "rooms/general/presence/u1" {
		t.Fatalf("PresenceOf() = %q", got)
	}
	if got := ProfilePath("u1"); got != "profiles/u1" {
		t.Fatalf("ProfilePath() = %q", got)
	}
}
