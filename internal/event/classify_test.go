package event

import "testing"

func TestClassifyTiers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		kind     Kind
		mentions []string
		want     Tier
	}{
		{name: "plain text", kind: KindText, want: TierBatched},
		{name: "image", kind: KindImage, want: TierBatched},
		{name: "dues cycle", kind: KindDues, want: TierBatched},
		{name: "poll", kind: KindPoll, want: TierImmediate},
		{name: "match", kind: KindMatch, want: TierImmediate},
		{name: "text with mention", kind: KindText, mentions: []string{"x"}, want: TierImmediate},
		{name: "mentioning poll", kind: KindPoll, mentions: []string{"x"}, want: TierImmediate},
		{name: "unknown kind fails open to batched", kind: Kind("sticker"), want: TierBatched},
		{name: "unknown kind with mention is immediate", kind: Kind("sticker"), mentions: []string{"y"}, want: TierImmediate},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ev := Incoming{Kind: tt.kind, Mentions: tt.mentions}
			if got := Classify(ev); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
			// Pure function: same input, same answer.
			if got := Classify(ev); got != tt.want {
				t.Fatalf("Classify not deterministic: second call = %v", got)
			}
		})
	}
}

func TestChannelSelection(t *testing.T) {
	t.Parallel()
	if got := Channel(Incoming{Kind: KindPoll}); got != ChannelMessages {
		t.Fatalf("poll channel = %q, want %q", got, ChannelMessages)
	}
	if got := Channel(Incoming{Kind: KindText, Mentions: []string{"a"}}); got != ChannelMentions {
		t.Fatalf("mention channel = %q, want %q", got, ChannelMentions)
	}
}

func TestRenderImmediate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		ev        Incoming
		convName  string
		wantTitle string
		wantBody  string
	}{
		{
			name:      "poll gets chart glyph",
			ev:        Incoming{Kind: KindPoll, Body: "Training on Friday?"},
			convName:  "FC Oldtimers",
			wantTitle: "FC Oldtimers",
			wantBody:  "\U0001F4CA Training on Friday?",
		},
		{
			name:      "match gets sport glyph",
			ev:        Incoming{Kind: KindMatch, Body: "vs. Rovers, Sunday 14:00"},
			convName:  "FC Oldtimers",
			wantTitle: "FC Oldtimers",
			wantBody:  "⚽ vs. Rovers, Sunday 14:00",
		},
		{
			name:      "mentions rendered before content",
			ev:        Incoming{Kind: KindText, Mentions: []string{"alice", "@bob"}, Body: "your round"},
			convName:  "Fives",
			wantTitle: "Fives",
			wantBody:  "@alice @bob your round",
		},
		{
			name:      "mentioning poll keeps glyph and mentions",
			ev:        Incoming{Kind: KindPoll, Mentions: []string{"carol"}, Body: "BBQ?"},
			convName:  "Fives",
			wantTitle: "Fives",
			wantBody:  "\U0001F4CA @carol BBQ?",
		},
		{
			name:      "missing conversation name falls back",
			ev:        Incoming{Kind: KindMatch, Body: "kickoff moved"},
			convName:  "  ",
			wantTitle: FallbackTitle,
			wantBody:  "⚽ kickoff moved",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			title, body := RenderImmediate(tt.ev, tt.convName)
			if title != tt.wantTitle {
				t.Fatalf("title = %q, want %q", title, tt.wantTitle)
			}
			if body != tt.wantBody {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := Incoming{ConversationID: "c1", EventID: "e1", AuthorID: "u1"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (Incoming{EventID: "e", AuthorID: "u"}).Validate(); err != ErrMissingConversation {
		t.Fatalf("expected ErrMissingConversation, got %v", err)
	}
	if err := (Incoming{ConversationID: "c", AuthorID: "u"}).Validate(); err != ErrMissingEventID {
		t.Fatalf("expected ErrMissingEventID, got %v", err)
	}
	if err := (Incoming{ConversationID: "c", EventID: "e"}).Validate(); err != ErrMissingAuthor {
		t.Fatalf("expected ErrMissingAuthor, got %v", err)
	}
}
