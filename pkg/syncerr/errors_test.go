package syncerr

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestKindSurvivesWrapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"validation", Validation("empty body"), "validation"},
		{"network", Network(errors.New("dial tcp: refused"), "append"), "network"},
		{"permission", Permission("user %s cannot write %s", "u1", "presence/u2"), "permission"},
		{"not found", NotFound("missing %s", "k"), "not_found"},
		{"concurrency", Concurrency("submit"), "concurrency"},
		{"wrapped", fmt.Errorf("outer: %w", Network(nil, "x")), "network"},
		{"plain", errors.New("boom"), "internal"},
		{"nil", nil, "none"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Kind(tc.err); got != tc.kind {
				t.Fatalf("Kind() = %q, want %q", got, tc.kind)
			}
		})
	}
}

func TestLoadKeepsCause(t *testing.T) {
	err := Load(Network(nil, "range query"), "initial window")
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad mark")
	}
	if !IsTransient(err) {
		t.Fatalf("expected network cause to stay visible")
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(Permission("nope")) {
		t.Fatalf("permission errors must not be retried")
	}
	if !IsTransient(Network(errors.New("timeout"), "upsert")) {
		t.Fatalf("network errors should be retried")
	}
	closed := Closed(errors.New("connection closed"), "append")
	if IsTransient(closed) || !IsClosed(closed) || Kind(closed) != "network" {
		t.Fatalf("closed connection errors are network errors that are not retried")
	}
}
