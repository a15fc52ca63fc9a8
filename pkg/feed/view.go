// Package feed keeps the local, ordered view of a room's messages in step
// with the store: historical pages, live appends and removals, and
// optimistic local submissions.
package feed

import (
	"sort"
	"sync"

	"feedsync/pkg/models"
	"feedsync/pkg/telemetry"
)

// RenderKind is an instruction for the rendering layer.
type RenderKind int

const (
	Inserted RenderKind = iota + 1
	// Confirmed replaces a pending item in place. RenderEvent.Item.TempID
	// names the slot being replaced.
	Confirmed
	Removed
	// Updated changes an item's display fields in place.
	Updated
)

func (k RenderKind) String() string {
	switch k {
	case Inserted:
		return "inserted"
	case Confirmed:
		return "confirmed"
	case Removed:
		return "removed"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

type RenderEvent struct {
	Kind RenderKind
	Item models.FeedItem
	// Index is the item's position in ascending order at the time of the
	// event. For Removed it is the position it was removed from.
	Index int
}

// Renderer consumes view changes. Render is called in order with the view
// locked, so it must not call back into the view.
type Renderer interface {
	Render(ev RenderEvent)
}

type RendererFunc func(ev RenderEvent)

func (f RendererFunc) Render(ev RenderEvent) { f(ev) }

// View is the materialized feed, ordered by (CreatedAt, ID) ascending.
// Every id, temporary or canonical, appears at most once.
type View struct {
	mu       sync.Mutex
	items    []models.FeedItem
	renderer Renderer
}

func NewView(r Renderer) *View {
	return &View{renderer: r}
}

func (v *View) emit(kind RenderKind, it models.FeedItem, idx int) {
	telemetry.CountFeedEvent(kind.String())
	if v.renderer != nil {
		v.renderer.Render(RenderEvent{Kind: kind, Item: it, Index: idx})
	}
}

func (v *View) find(id string) int {
	for i := range v.items {
		if v.items[i].ID == id {
			return i
		}
	}
	return -1
}

func less(a, b models.FeedItem) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// Insert adds it in order and reports whether it was new.
func (v *View) Insert(it models.FeedItem) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if it.ID == "" || v.find(it.ID) >= 0 {
		return false
	}
	idx := sort.Search(len(v.items), func(i int) bool { return less(it, v.items[i]) })
	v.items = append(v.items, models.FeedItem{})
	copy(v.items[idx+1:], v.items[idx:])
	v.items[idx] = it
	v.emit(Inserted, it, idx)
	return true
}

// Promote gives the pending item tempID its canonical id without moving
// it. A copy of the canonical item already inserted by the listener is
// dropped so the id stays unique.
func (v *View) Promote(tempID, id string) (models.FeedItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.find(tempID)
	if idx < 0 {
		return models.FeedItem{}, false
	}
	if dup := v.find(id); dup >= 0 {
		gone := v.items[dup]
		v.items = append(v.items[:dup], v.items[dup+1:]...)
		gone.State = models.Removed
		v.emit(Removed, gone, dup)
		if dup < idx {
			idx--
		}
	}
	it := &v.items[idx]
	it.ID = id
	it.TempID = tempID
	it.State = models.Confirmed
	v.emit(Confirmed, *it, idx)
	return *it, true
}

// Fail retracts the pending item tempID after its write failed.
func (v *View) Fail(tempID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.find(tempID)
	if idx < 0 {
		return false
	}
	it := v.items[idx]
	v.items = append(v.items[:idx], v.items[idx+1:]...)
	it.State = models.Removed
	v.emit(Removed, it, idx)
	return true
}

// Retract removes a materialized item. Unknown ids are ignored.
func (v *View) Retract(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.find(id)
	if idx < 0 {
		return false
	}
	it := v.items[idx]
	v.items = append(v.items[:idx], v.items[idx+1:]...)
	it.State = models.Removed
	v.emit(Removed, it, idx)
	return true
}

// AttachAuthor sets p's display fields on every item p authored and
// reports how many items changed.
func (v *View) AttachAuthor(p models.Profile) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for i := range v.items {
		it := &v.items[i]
		if it.AuthorID != p.UserID || (it.AuthorName == p.DisplayName && it.AuthorAvatar == p.AvatarURL) {
			continue
		}
		it.Attach(p)
		v.emit(Updated, *it, i)
		n++
	}
	return n
}

func (v *View) Has(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.find(id) >= 0
}

// Get returns the item with id.
func (v *View) Get(id string) (models.FeedItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := v.find(id); i >= 0 {
		return v.items[i], true
	}
	return models.FeedItem{}, false
}

// Oldest returns the first canonical item. Pending placeholders are
// skipped since they do not exist in the store yet.
func (v *View) Oldest() (models.FeedItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, it := range v.items {
		if !models.IsTempID(it.ID) {
			return it, true
		}
	}
	return models.FeedItem{}, false
}

// Items returns a copy of the view in ascending order.
func (v *View) Items() []models.FeedItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.FeedItem(nil), v.items...)
}

// Newest returns up to n items newest first. n <= 0 returns all.
func (v *View) Newest(n int) []models.FeedItem {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n <= 0 || n > len(v.items) {
		n = len(v.items)
	}
	out := make([]models.FeedItem, 0, n)
	for i := len(v.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, v.items[i])
	}
	return out
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}
