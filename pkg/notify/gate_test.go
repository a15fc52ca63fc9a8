package notify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"feedsync/pkg/models"
)

func item(n int) models.FeedItem {
	return models.FeedItem{ID: fmt.Sprintf("id-%03d", n), CreatedAt: int64(1000 + n), AuthorID: "u2"}
}

func TestAlertsOncePerID(t *testing.T) {
	var played []string
	g := NewGate(10, AlerterFunc(func(it models.FeedItem) { played = append(played, it.ID) }))
	g.SetForeground(false)
	g.Unlock()

	for i := 0; i < 3; i++ {
		out := g.Notice(item(1))
		if i == 0 {
			require.Equal(t, Alerted, out)
		} else {
			require.Equal(t, Duplicate, out)
		}
	}
	require.Equal(t, []string{"id-001"}, played)
}

func TestSilentUntilUnlockedAndBackground(t *testing.T) {
	played := 0
	g := NewGate(10, AlerterFunc(func(models.FeedItem) { played++ }))

	require.Equal(t, Silent, g.Notice(item(1)), "foreground and locked")
	g.SetForeground(false)
	require.Equal(t, Silent, g.Notice(item(2)), "background but locked")
	g.Unlock()
	require.Equal(t, Alerted, g.Notice(item(3)))
	g.SetForeground(true)
	require.Equal(t, Silent, g.Notice(item(4)))

	require.Equal(t, 1, played)
	require.Equal(t, Duplicate, g.Notice(item(1)), "silent ids are still recorded")
}

func TestEvictionHorizonKeepsOldIDsSuppressed(t *testing.T) {
	g := NewGate(3, nil)
	for i := 1; i <= 5; i++ {
		require.Equal(t, Silent, g.Notice(item(i)))
	}
	require.Equal(t, 3, g.Len())

	// ids 1 and 2 were evicted; they must not alert again
	require.Equal(t, Duplicate, g.Notice(item(1)))
	require.Equal(t, Duplicate, g.Notice(item(2)))
	require.True(t, g.Seen("id-002"))
	require.Equal(t, Silent, g.Notice(item(6)))
}

func TestHorizonIgnoresAuthorClock(t *testing.T) {
	g := NewGate(2, nil)
	for i := 1; i <= 4; i++ {
		require.Equal(t, Silent, g.Notice(item(i)))
	}

	// appended after the evicted ids, stamped by a client whose clock is behind
	late := models.FeedItem{ID: "id-005", CreatedAt: 1, AuthorID: "u3"}
	require.False(t, g.Seen(late.ID))
	require.Equal(t, Silent, g.Notice(late))
	require.Equal(t, Duplicate, g.Notice(late))
}

func TestSkipsPlaceholders(t *testing.T) {
	g := NewGate(0, nil)
	require.Equal(t, Skipped, g.Notice(models.FeedItem{ID: "temp-1-abcdef01"}))
	require.Equal(t, Skipped, g.Notice(models.FeedItem{}))
	require.Zero(t, g.Len())
}
