package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"rechat/pkg/domain"
)

// MemoryStore keeps conversations and messages in-process. It backs the
// test suites and doubles as a development store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	messages      map[string]domain.Message
	order         map[string][]string // conversation ID -> message IDs in insert order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string]domain.Message),
		order:         make(map[string][]string),
	}
}

// CreateConversation stores a conversation record.
func (m *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

// GetConversation returns a conversation owned by userID.
func (m *MemoryStore) GetConversation(_ context.Context, id, userID string) (domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return domain.Conversation{}, ErrNotFound
	}
	return c, nil
}

// ListConversations returns the user's conversations, newest first.
func (m *MemoryStore) ListConversations(_ context.Context, userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.After(res[j].UpdatedAt) })
	return res, nil
}

// RenameConversation updates the title.
func (m *MemoryStore) RenameConversation(_ context.Context, id, userID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return nil
}

// DeleteConversation removes the conversation and its messages.
func (m *MemoryStore) DeleteConversation(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(m.conversations, c.ID)
	for _, msgID := range m.order[id] {
		delete(m.messages, msgID)
	}
	delete(m.order, id)
	return nil
}

// CreateMessage records a message linked to a conversation.
func (m *MemoryStore) CreateMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	m.order[msg.ConversationID] = append(m.order[msg.ConversationID], msg.ID)
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (m *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.order[conversationID]
	res := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			res = append(res, msg)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// UpdateMessagePartial mirrors in-flight output into the message.
func (m *MemoryStore) UpdateMessagePartial(_ context.Context, id, partial string) error {
	return m.update(id, func(msg *domain.Message) {
		msg.PartialContent = partial
	})
}

// FinalizeMessage sets final content and clears streaming state atomically.
func (m *MemoryStore) FinalizeMessage(_ context.Context, id, content string) error {
	return m.update(id, func(msg *domain.Message) {
		msg.Content = content
		msg.State = domain.StateComplete
		msg.PartialContent = ""
	})
}

// MarkInterrupted flags the message resumable.
func (m *MemoryStore) MarkInterrupted(_ context.Context, id string) error {
	return m.update(id, func(msg *domain.Message) {
		msg.State = domain.StateInterrupted
	})
}

// MarkStreaming re-enters streaming state on resume.
func (m *MemoryStore) MarkStreaming(_ context.Context, id string) error {
	return m.update(id, func(msg *domain.Message) {
		msg.State = domain.StateStreaming
	})
}

func (m *MemoryStore) update(id string, fn func(*domain.Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	fn(&msg)
	msg.UpdatedAt = time.Now().UTC()
	m.messages[id] = msg
	return nil
}

// FindInterrupted returns the most recent unfinalized message in the
// conversation, if any.
func (m *MemoryStore) FindInterrupted(_ context.Context, conversationID, userID string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found domain.Message
	var ok bool
	for _, id := range m.order[conversationID] {
		msg, exists := m.messages[id]
		if !exists || msg.UserID != userID || !msg.State.Streamable() {
			continue
		}
		if !ok || msg.CreatedAt.After(found.CreatedAt) {
			found = msg
			ok = true
		}
	}
	return found, ok, nil
}

// GetMessageByStream correlates a resume request with its attempt.
func (m *MemoryStore) GetMessageByStream(_ context.Context, streamID, conversationID, userID string) (domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order[conversationID] {
		msg, ok := m.messages[id]
		if ok && msg.StreamID == streamID && msg.UserID == userID {
			return msg, nil
		}
	}
	return domain.Message{}, ErrNotFound
}
