package push

// Gateway delivery priorities.
const (
	PriorityDefault = "default"
	PriorityHigh    = "high"
)

// Payload is one push request element, one per (notification, recipient
// token) pair. The JSON shape is the gateway's wire contract.
type Payload struct {
	To        string `json:"to"`
	Sound     string `json:"sound"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Data      Data   `json:"data"`
	Priority  string `json:"priority"`
	ChannelID string `json:"channelId"`
}

// Data is the opaque payload clients use for deep-linking into the
// conversation (not into a specific message).
type Data struct {
	ConversationID string   `json:"conversationId"`
	EventIDs       []string `json:"eventIds"`
	Tier           string   `json:"tier"`
	Priority       string   `json:"priority"`
}
