package keys

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseNodeKey returns the path encoded in a node key.
func ParseNodeKey(key string) (string, error) {
	if !strings.HasPrefix(key, "n:") {
		return "", fmt.Errorf("not a node key: %q", key)
	}
	return key[2:], nil
}

// Split returns the parent path and the last segment of path.
func Split(path string) (parent, child string) {
	path = CleanPath(path)
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Segments returns the non-empty segments of path.
func Segments(path string) []string {
	path = CleanPath(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ChildOf reports whether key is a direct child node key of prefix
// (as returned by GenChildPrefix) and returns the child's id.
func ChildOf(key, prefix string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id := key[len(prefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// ChildIDParts holds the parsed components of a store-assigned child id.
type ChildIDParts struct {
	TS  int64
	Seq uint64
}

func ParseChildID(id string) (ChildIDParts, error) {
	var parts ChildIDParts
	ts, seq, ok := strings.Cut(id, "-")
	if !ok || len(ts) != TSPadWidth || len(seq) != SeqPadWidth {
		return parts, fmt.Errorf("invalid child id format: %q", id)
	}
	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return parts, fmt.Errorf("invalid child id timestamp: %w", err)
	}
	s, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return parts, fmt.Errorf("invalid child id sequence: %w", err)
	}
	parts.TS = t
	parts.Seq = s
	return parts, nil
}
