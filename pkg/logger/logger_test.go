package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWrappersAreNilSafe(t *testing.T) {
	Log = nil
	Debug("x")
	Info("x")
	Warn("x")
	Error("x")
}

func TestAuditedFallsBackToMainLogger(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "info")
	Audit = nil
	Audited("message_sent", "item", "abc")
	if !strings.Contains(buf.String(), "message_sent") {
		t.Fatalf("expected audit event on main logger, got %q", buf.String())
	}
}

func TestAttachAuditFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	if err := AttachAuditFileSink(dir); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(Sync)
	Audited("user_left", "user", "u1")

	b, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "audit_sink_attached") || !strings.Contains(out, "user_left") {
		t.Fatalf("unexpected audit log contents: %q", out)
	}
}

func TestAttachAuditFileSinkRejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := AttachAuditFileSink(f); err == nil {
		t.Fatalf("expected error for non-directory audit path")
	}
}
