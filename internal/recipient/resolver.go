package recipient

import (
	"context"
	"strings"
)

// Member is one conversation participant as reported by the directory.
// PushToken is empty when the user has no registered device.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	PushToken   string `json:"pushToken,omitempty"`
}

// Conversation is the directory's view of one group conversation.
type Conversation struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Members []Member `json:"members"`
}

// Directory looks up conversation membership and push tokens. Implemented by
// the realtime store client; tests inject fakes.
type Directory interface {
	Conversation(ctx context.Context, conversationID string) (Conversation, error)
}

// Resolution is the outcome of a recipient lookup. Tokens preserves the
// directory's member order with duplicates removed.
type Resolution struct {
	ConversationName string
	Tokens           []string
}

type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve computes the eligible push tokens for a conversation, excluding
// every author in excludeAuthorIDs and any member without a token.
//
// Membership and tokens are read fresh on every call; both can change
// between events. Zero eligible recipients is a normal outcome (empty slice,
// nil error) and callers must skip all downstream work on it.
func (r *Resolver) Resolve(ctx context.Context, conversationID string, excludeAuthorIDs ...string) (Resolution, error) {
	conv, err := r.dir.Conversation(ctx, conversationID)
	if err != nil {
		return Resolution{}, err
	}

	excluded := make(map[string]struct{}, len(excludeAuthorIDs))
	for _, id := range excludeAuthorIDs {
		if id != "" {
			excluded[id] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(conv.Members))
	tokens := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		if _, skip := excluded[m.UserID]; skip {
			continue
		}
		tok := strings.TrimSpace(m.PushToken)
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	return Resolution{ConversationName: conv.Name, Tokens: tokens}, nil
}
