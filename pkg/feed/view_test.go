package feed

import (
	"testing"

	"feedsync/pkg/models"
)

func TestViewOrdersAndDedups(t *testing.T) {
	v := NewView(nil)
	for _, it := range []models.FeedItem{
		{ID: "b", CreatedAt: 2},
		{ID: "a", CreatedAt: 1},
		{ID: "c", CreatedAt: 2},
	} {
		if !v.Insert(it) {
			t.Fatalf("insert %s reported duplicate", it.ID)
		}
	}
	if v.Insert(models.FeedItem{ID: "b", CreatedAt: 9}) {
		t.Fatalf("duplicate id was inserted")
	}
	got := ids(v.Items())
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if newest := ids(v.Newest(2)); newest[0] != "c" || newest[1] != "b" {
		t.Fatalf("Newest(2) = %v", newest)
	}
}

func TestPromoteCollapsesLaterDuplicate(t *testing.T) {
	rec := &recorder{}
	v := NewView(rec)
	v.Insert(models.FeedItem{ID: "temp-5-aaaaaaaa", CreatedAt: 5, State: models.Pending})
	v.Insert(models.FeedItem{ID: "x", CreatedAt: 1})
	v.Insert(models.FeedItem{ID: "zzz", CreatedAt: 5, State: models.Confirmed})

	it, ok := v.Promote("temp-5-aaaaaaaa", "zzz")
	if !ok || it.ID != "zzz" || it.TempID != "temp-5-aaaaaaaa" {
		t.Fatalf("promote = %+v, %v", it, ok)
	}
	if v.Len() != 2 {
		t.Fatalf("expected duplicate to be dropped, have %v", ids(v.Items()))
	}
	last := rec.events[len(rec.events)-1]
	if last.Kind != Confirmed || last.Index != 1 {
		t.Fatalf("unexpected confirm event %+v", last)
	}
	if _, ok := v.Promote("temp-5-aaaaaaaa", "zzz"); ok {
		t.Fatalf("a temp id is replaced only once")
	}
}

func TestOldestSkipsPlaceholders(t *testing.T) {
	v := NewView(nil)
	v.Insert(models.FeedItem{ID: "temp-1-aaaaaaaa", CreatedAt: 1})
	if _, ok := v.Oldest(); ok {
		t.Fatalf("placeholders are not history cursors")
	}
	v.Insert(models.FeedItem{ID: "m1", CreatedAt: 3})
	if it, _ := v.Oldest(); it.ID != "m1" {
		t.Fatalf("Oldest() = %s", it.ID)
	}
}
