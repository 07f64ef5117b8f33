package event

import "strings"

// Tier is the notification tier of an event: sent right away, or folded into
// the conversation's pending batch.
type Tier int

const (
	TierBatched Tier = iota
	TierImmediate
)

func (t Tier) String() string {
	switch t {
	case TierImmediate:
		return "immediate"
	default:
		return "batched"
	}
}

// Notification channel ids registered by the client apps.
const (
	ChannelMessages = "messages"
	ChannelMentions = "mentions"
)

const (
	glyphPoll  = "\U0001F4CA" // chart
	glyphMatch = "⚽"     // sport
)

// Classify decides the notification tier for an event.
//
// It is a total function: a mention always wins, polls and matches are
// immediate, and any kind this build doesn't know falls open to Batched so a
// notification is delayed rather than silently dropped.
func Classify(e Incoming) Tier {
	if e.Mentioned() {
		return TierImmediate
	}
	switch e.Kind {
	case KindPoll, KindMatch:
		return TierImmediate
	case KindText, KindImage, KindDues:
		return TierBatched
	default:
		return TierBatched
	}
}

// Channel returns the notification channel for an immediate event.
// Mentions get their own channel so clients can give them a distinct sound.
func Channel(e Incoming) string {
	if e.Mentioned() {
		return ChannelMentions
	}
	return ChannelMessages
}

// RenderImmediate builds the title and body of an immediate notification.
//
// The body is assembled from the kind glyph (polls and matches), then the
// rendered @handle tokens (when mentioned), and the event content. A
// mentioning poll keeps both its glyph and the mention tokens.
func RenderImmediate(e Incoming, conversationName string) (title, body string) {
	title = strings.TrimSpace(conversationName)
	if title == "" {
		title = FallbackTitle
	}

	var parts []string
	switch e.Kind {
	case KindPoll:
		parts = append(parts, glyphPoll)
	case KindMatch:
		parts = append(parts, glyphMatch)
	}
	for _, m := range e.Mentions {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !strings.HasPrefix(m, "@") {
			m = "@" + m
		}
		parts = append(parts, m)
	}
	if c := strings.TrimSpace(e.Body); c != "" {
		parts = append(parts, c)
	}
	body = strings.Join(parts, " ")
	return title, body
}
