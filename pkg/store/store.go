package store

import (
	"context"
	"errors"

	"rechat/pkg/domain"
)

// ErrNotFound is returned when a conversation or message does not exist
// or is not visible to the requesting user.
var ErrNotFound = errors.New("store: not found")

// Store defines persistence operations for conversations and messages,
// including the streaming-state fields the generation pipeline mutates.
type Store interface {
	// conversations
	CreateConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, id, userID string) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	RenameConversation(ctx context.Context, id, userID, title string) error
	DeleteConversation(ctx context.Context, id, userID string) error

	// messages
	CreateMessage(ctx context.Context, m domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// streaming state. UpdateMessagePartial mirrors in-flight output and
	// may be lossy (callers swallow its errors); FinalizeMessage is the
	// durability checkpoint and sets content, state and partial in one
	// update so readers never observe a half-finalized row.
	UpdateMessagePartial(ctx context.Context, id, partial string) error
	FinalizeMessage(ctx context.Context, id, content string) error
	MarkInterrupted(ctx context.Context, id string) error
	MarkStreaming(ctx context.Context, id string) error

	// resume lookups
	FindInterrupted(ctx context.Context, conversationID, userID string) (domain.Message, bool, error)
	GetMessageByStream(ctx context.Context, streamID, conversationID, userID string) (domain.Message, error)
}

// SessionResolver maps a bearer token to a user ID. Identity issuance
// lives outside this service; implementations only resolve.
type SessionResolver interface {
	UserIDByToken(ctx context.Context, token string) (string, bool, error)
}
