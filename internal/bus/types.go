package bus

// InboundMessage represents a message received from a channel
// (telegram, email, voice, peer agent) before access-control runs.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Sender   string            `json:"sender,omitempty"` // display name, when the platform provides one
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event is a broadcast notification between daemon subsystems.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Well-known event names.
const (
	EventAgentIdle = "agent.idle"
	EventAgentBusy = "agent.busy"
)

// EventHandler handles a broadcast event.
type EventHandler func(Event)
