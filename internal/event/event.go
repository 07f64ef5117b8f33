package event

import (
	"errors"
	"time"
)

// Kind tags what a conversation event is. The feed may deliver kinds this
// build doesn't know; they are carried through as-is and classified
// fail-open (see Classify).
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindPoll  Kind = "poll"
	KindMatch Kind = "match"
	KindDues  Kind = "dues"
)

// FallbackTitle is used when a conversation has no display name.
const FallbackTitle = "Group Chat"

// Incoming is one conversation event as delivered by the realtime feed.
// Immutable once decoded; consumed exactly once by the ingester.
type Incoming struct {
	ConversationID string    `json:"conversationId"`
	EventID        string    `json:"eventId"`
	Kind           Kind      `json:"kind"`
	AuthorID       string    `json:"authorId"`
	AuthorName     string    `json:"authorDisplayName"`
	Body           string    `json:"content"`
	Mentions       []string  `json:"mentions,omitempty"`
	OccurredAt     time.Time `json:"createdAt"`
}

var (
	ErrMissingConversation = errors.New("event missing conversation id")
	ErrMissingEventID      = errors.New("event missing event id")
	ErrMissingAuthor       = errors.New("event missing author id")
)

// Validate reports the first missing required field.
// Events failing validation are dropped individually (data error, not fatal).
func (e Incoming) Validate() error {
	if e.ConversationID == "" {
		return ErrMissingConversation
	}
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.AuthorID == "" {
		return ErrMissingAuthor
	}
	return nil
}

// Mentioned reports whether the event carries at least one mention.
func (e Incoming) Mentioned() bool { return len(e.Mentions) > 0 }
