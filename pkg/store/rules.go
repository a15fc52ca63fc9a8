package store

import (
	"github.com/tidwall/gjson"

	"feedsync/pkg/store/keys"
	"feedsync/pkg/syncerr"
)

// Op is the kind of write being authorized.
type Op int

const (
	OpWrite Op = iota + 1
	OpRemove
)

// Rules decides whether userID may change the value at path. prev is the
// current value (nil when absent) and next the value being written (nil
// for removals).
type Rules interface {
	Authorize(userID string, op Op, path string, prev, next []byte) error
}

// OwnerRules restricts writes by the collection a path's parent names.
type OwnerRules struct {
	// Owned collections only accept writes to the child named after the
	// writer, e.g. presence/<uid>.
	Owned map[string]bool
	// Authored maps a collection to the JSON field naming a child's
	// author. Writes must carry the writer as author and only the author
	// may remove a child.
	Authored map[string]string
}

// DefaultRules returns the rules used by feed rooms.
func DefaultRules() OwnerRules {
	return OwnerRules{
		Owned: map[string]bool{
			"presence": true,
			"typing":   true,
			"profiles": true,
		},
		Authored: map[string]string{
			"messages": "author_id",
			"audit":    "user_id",
		},
	}
}

func (r OwnerRules) Authorize(userID string, op Op, path string, prev, next []byte) error {
	parent, child := keys.Split(path)
	_, coll := keys.Split(parent)
	if r.Owned[coll] && child != userID {
		return syncerr.Permission("%s may not write %s", userID, path)
	}
	field, ok := r.Authored[coll]
	if !ok {
		return nil
	}
	switch op {
	case OpWrite:
		if gjson.GetBytes(next, field).String() != userID {
			return syncerr.Permission("%s may not author %s as someone else", userID, path)
		}
	case OpRemove:
		if prev != nil && gjson.GetBytes(prev, field).String() != userID {
			return syncerr.Permission("%s may not remove %s", userID, path)
		}
	}
	return nil
}

// AllowAll is a Rules that permits every write.
type AllowAll struct{}

func (AllowAll) Authorize(string, Op, string, []byte, []byte) error { return nil }
