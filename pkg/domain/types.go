package domain

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StreamState tracks the generation lifecycle of an assistant message.
// A message is born in StateStreaming, moves to StateComplete on
// finalization (normal completion or user stop), and to StateInterrupted
// when the producer fails or the connection to it is lost mid-generation.
// Interrupted messages keep their partial content and can be resumed;
// complete messages never stream again.
type StreamState string

const (
	StateStreaming   StreamState = "streaming"
	StateInterrupted StreamState = "interrupted"
	StateComplete    StreamState = "complete"
)

// Streamable reports whether the message still has an unfinalized
// generation attached (live or resumable).
func (s StreamState) Streamable() bool {
	return s == StateStreaming || s == StateInterrupted
}

// Conversation groups messages for one user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one turn in a conversation. Content is the finalized text;
// PartialContent holds accumulated output while State is streaming or
// interrupted and is cleared in the same update that sets Content.
// StreamID correlates resume requests with the generation attempt that
// produced the partial output.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	UserID         string            `json:"userId"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	State          StreamState       `json:"state"`
	PartialContent string            `json:"partialContent,omitempty"`
	StreamID       string            `json:"streamId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// EventType enumerates live-update event kinds fanned out to a user's
// open connections.
type EventType string

const (
	EventConnected             EventType = "connected"
	EventConversationCreated   EventType = "conversation_created"
	EventConversationUpdated   EventType = "conversation_updated"
	EventConversationDeleted   EventType = "conversation_deleted"
	EventConversationStreaming EventType = "conversation_streaming"
)

// Event is one live-update notification. Payloads stay small: status
// flags and conversation metadata only, never message content. Clients
// reconcile full state from the store, so delivery is at-least-once and
// drop-safe.
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversationId,omitempty"`
	IsStreaming    bool          `json:"isStreaming,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
}
