package models

// Message is the durable record stored under a room's messages path.
// The store-assigned child id is its canonical id and is not repeated in
// the record itself.
type Message struct {
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"` // unix millis, assigned at submission
}

// CreatedAtField is the JSON field feeds are ordered by.
const CreatedAtField = "created_at"

// ItemState is the lifecycle state of a materialized feed item.
type ItemState int

const (
	Pending ItemState = iota + 1
	Confirmed
	Failed
	Removed
)

func (s ItemState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// FeedItem is a message as held by the local view.
type FeedItem struct {
	ID        string    `json:"id"`
	TempID    string    `json:"temp_id,omitempty"` // retired placeholder id of a reconciled own submission
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt int64     `json:"created_at"`
	State     ItemState `json:"state"`

	// display fields, attached at render time
	AuthorName   string `json:"author_name,omitempty"`
	AuthorAvatar string `json:"author_avatar,omitempty"`
}

// ItemFromMessage builds a confirmed feed item for a stored message.
func ItemFromMessage(id string, m Message) FeedItem {
	return FeedItem{
		ID:        id,
		AuthorID:  m.AuthorID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		State:     Confirmed,
	}
}

// Attach copies profile display fields onto the item.
func (it *FeedItem) Attach(p Profile) {
	it.AuthorName = p.DisplayName
	it.AuthorAvatar = p.AvatarURL
}
