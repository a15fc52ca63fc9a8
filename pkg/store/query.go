package store

import (
	"fmt"
	"math"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/tidwall/gjson"

	"feedsync/pkg/logger"
	"feedsync/pkg/store/keys"
	"feedsync/pkg/syncerr"
)

// Bound is an exclusive range query cursor. When ordering by a field, Value
// is compared first and Key breaks ties; an empty Key excludes every child
// whose field equals Value. When ordering by key only Key is used.
type Bound struct {
	Value int64
	Key   string
}

// Query selects an ordered window of the direct children of a path.
type Query struct {
	// OrderBy names an integer JSON field. Empty orders by child id.
	OrderBy string
	Before  *Bound
	After   *Bound
	// Limit caps the window. Zero means no limit.
	Limit int
	// Last keeps the trailing Limit children instead of the leading ones.
	Last bool
}

// Child is one result of a range query.
type Child struct {
	ID    string
	Value []byte
	// Order is the OrderBy field value, zero when ordering by key.
	Order int64
}

// rangeQuery always returns children in ascending order.
func (s *Store) rangeQuery(path string, q Query) ([]Child, error) {
	if q.Limit < 0 {
		return nil, syncerr.Validation("negative limit %d", q.Limit)
	}
	var out []Child
	err := s.read(func(db *pebble.DB) error {
		var err error
		if q.OrderBy == "" {
			out, err = queryByKey(db, path, q)
		} else {
			out, err = queryByField(db, path, q)
		}
		return err
	})
	return out, err
}

func queryByKey(db *pebble.DB, path string, q Query) ([]Child, error) {
	prefix := keys.GenChildPrefix(path)
	lower := []byte(prefix)
	upper := keys.NextPrefix([]byte(prefix))
	if q.After != nil && q.After.Key != "" {
		// smallest key strictly greater than the cursor
		lower = append([]byte(prefix+q.After.Key), 0)
	}
	if q.Before != nil && q.Before.Key != "" {
		upper = []byte(prefix + q.Before.Key)
	}
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		logger.Error("store_iter_failed", "path", path, "error", err)
		return nil, syncerr.Network(err, "range query")
	}
	defer iter.Close()

	var out []Child
	collect := func() bool {
		id, ok := keys.ChildOf(string(iter.Key()), prefix)
		if !ok {
			return true
		}
		out = append(out, Child{ID: id, Value: append([]byte(nil), iter.Value()...)})
		return q.Limit == 0 || len(out) < q.Limit
	}
	if q.Last {
		for valid := iter.Last(); valid; valid = iter.Prev() {
			if !collect() {
				break
			}
		}
		reverse(out)
	} else {
		for valid := iter.First(); valid; valid = iter.Next() {
			if !collect() {
				break
			}
		}
	}
	if err := iter.Error(); err != nil {
		return nil, syncerr.Network(err, "range query")
	}
	return out, nil
}

func queryByField(db *pebble.DB, path string, q Query) ([]Child, error) {
	prefix := keys.GenChildPrefix(path)
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keys.NextPrefix([]byte(prefix)),
	})
	if err != nil {
		logger.Error("store_iter_failed", "path", path, "error", err)
		return nil, syncerr.Network(err, "range query")
	}
	defer iter.Close()

	var all []Child
	for valid := iter.First(); valid; valid = iter.Next() {
		id, ok := keys.ChildOf(string(iter.Key()), prefix)
		if !ok {
			continue
		}
		v := append([]byte(nil), iter.Value()...)
		order := int64(math.MinInt64)
		if r := gjson.GetBytes(v, q.OrderBy); r.Exists() {
			order = r.Int()
		}
		c := Child{ID: id, Value: v, Order: order}
		if q.Before != nil && !lessThan(c, *q.Before) {
			continue
		}
		if q.After != nil && !greaterThan(c, *q.After) {
			continue
		}
		all = append(all, c)
	}
	if err := iter.Error(); err != nil {
		return nil, syncerr.Network(err, "range query")
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Order != all[j].Order {
			return all[i].Order < all[j].Order
		}
		return all[i].ID < all[j].ID
	})
	if q.Limit > 0 && len(all) > q.Limit {
		if q.Last {
			all = all[len(all)-q.Limit:]
		} else {
			all = all[:q.Limit]
		}
	}
	return all, nil
}

func lessThan(c Child, b Bound) bool {
	if c.Order != b.Value {
		return c.Order < b.Value
	}
	return b.Key != "" && c.ID < b.Key
}

func greaterThan(c Child, b Bound) bool {
	if c.Order != b.Value {
		return c.Order > b.Value
	}
	return b.Key != "" && c.ID > b.Key
}

func reverse(cs []Child) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}

func (q Query) String() string {
	return fmt.Sprintf("order_by=%q before=%v after=%v limit=%d last=%v", q.OrderBy, q.Before, q.After, q.Limit, q.Last)
}
