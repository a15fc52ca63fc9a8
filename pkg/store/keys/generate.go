package keys

import (
	"fmt"
	"strings"
)

func PadTS(ts int64) string {
	return fmt.Sprintf("%0*d", TSPadWidth, ts)
}

func PadSeq(seq uint64) string {
	return fmt.Sprintf("%0*d", SeqPadWidth, seq)
}

// GenNodeKey returns the storage key of the value at path.
func GenNodeKey(path string) string {
	return fmt.Sprintf(NodeKey, CleanPath(path))
}

// GenChildPrefix returns the key prefix shared by every child of path.
func GenChildPrefix(path string) string {
	return GenNodeKey(path) + "/"
}

func GenChildID(ts int64, seq uint64) string {
	return fmt.Sprintf(ChildID, PadTS(ts), PadSeq(seq))
}

func GenHookKey(connID string, seq uint64) string {
	return fmt.Sprintf(HookKey, connID, PadSeq(seq))
}

func GenHookPrefix(connID string) string {
	return fmt.Sprintf(HookPrefix, connID)
}

// CleanPath trims separators and collapses empty segments.
func CleanPath(path string) string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return CleanPath(strings.Join(segments, "/"))
}

// NextPrefix returns the smallest key greater than every key with prefix p.
func NextPrefix(p []byte) []byte {
	out := make([]byte, len(p))
	copy(out, p)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out[:i+1]
		}
	}
	return nil
}
