// Package compose turns classified events and flushed batches into concrete
// push payloads. Fan-out across recipients happens here, once per token.
package compose

import (
	"fmt"
	"strings"

	"teampush/internal/batch"
	"teampush/internal/event"
	"teampush/internal/push"
)

// Immediate builds one high-priority payload per recipient for an event on
// the immediate tier.
func Immediate(ev event.Incoming, conversationName string, tokens []string) []push.Payload {
	if len(tokens) == 0 {
		return nil
	}
	title, body := event.RenderImmediate(ev, conversationName)
	data := push.Data{
		ConversationID: ev.ConversationID,
		EventIDs:       []string{ev.EventID},
		Tier:           event.TierImmediate.String(),
		Priority:       push.PriorityHigh,
	}
	channel := event.Channel(ev)

	out := make([]push.Payload, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, push.Payload{
			To:        tok,
			Sound:     "default",
			Title:     title,
			Body:      body,
			Data:      data,
			Priority:  push.PriorityHigh,
			ChannelID: channel,
		})
	}
	return out
}

// FromBatch builds one normal-priority payload per recipient summarizing a
// flushed batch.
func FromBatch(b batch.Batch, tokens []string) []push.Payload {
	if len(tokens) == 0 || len(b.Entries) == 0 {
		return nil
	}

	title := strings.TrimSpace(b.ConversationName)
	if title == "" {
		title = event.FallbackTitle
	}
	body := summarize(b.Entries)

	ids := make([]string, 0, len(b.Entries))
	for _, e := range b.Entries {
		ids = append(ids, e.EventID)
	}
	data := push.Data{
		ConversationID: b.ConversationID,
		EventIDs:       ids,
		Tier:           event.TierBatched.String(),
		Priority:       push.PriorityDefault,
	}

	out := make([]push.Payload, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, push.Payload{
			To:        tok,
			Sound:     "default",
			Title:     title,
			Body:      body,
			Data:      data,
			Priority:  push.PriorityDefault,
			ChannelID: event.ChannelMessages,
		})
	}
	return out
}

// summarize renders the batch body by precedence:
//  1. single entry: "{author}: {content}"
//  2. one author:   "{author} sent {N} messages"
//  3. otherwise:    "{N} new messages from {first two} and {k} others"
func summarize(entries []batch.Entry) string {
	if len(entries) == 1 {
		e := entries[0]
		return fmt.Sprintf("%s: %s", authorOr(e.AuthorName), e.Content)
	}

	authors := distinctAuthors(entries)
	if len(authors) == 1 {
		return fmt.Sprintf("%s sent %d messages", authors[0], len(entries))
	}

	named := authors
	if len(named) > 2 {
		named = named[:2]
	}
	s := fmt.Sprintf("%d new messages from %s", len(entries), strings.Join(named, ", "))
	if extra := len(authors) - 2; extra > 0 {
		s += fmt.Sprintf(" and %d others", extra)
	}
	return s
}

// distinctAuthors returns unique author names ordered by first appearance.
func distinctAuthors(entries []batch.Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := authorOr(e.AuthorName)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func authorOr(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Someone"
	}
	return name
}
