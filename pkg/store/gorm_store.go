package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"rechat/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&ConversationModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateConversation inserts a conversation row.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetConversation returns a conversation owned by userID.
func (s *GormStore) GetConversation(ctx context.Context, id, userID string) (domain.Conversation, error) {
	var model ConversationModel
	err := s.db.WithContext(ctx).First(&model, "id = ? AND user_id = ?", id, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, ErrNotFound
		}
		return domain.Conversation{}, err
	}
	return conversationFromModel(model), nil
}

// ListConversations returns the user's conversations, newest first.
func (s *GormStore) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		res = append(res, conversationFromModel(m))
	}
	return res, nil
}

// RenameConversation updates the title.
func (s *GormStore) RenameConversation(ctx context.Context, id, userID, title string) error {
	tx := s.db.WithContext(ctx).Model(&ConversationModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{
			"title":      title,
			"updated_at": time.Now().UTC(),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and its messages.
func (s *GormStore) DeleteConversation(ctx context.Context, id, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&ConversationModel{}, "id = ? AND user_id = ?", id, userID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error
	})
}

// CreateMessage inserts a message row.
func (s *GormStore) CreateMessage(ctx context.Context, m domain.Message) error {
	model, err := messageToModel(m)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListMessages returns a conversation's messages in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

// UpdateMessagePartial mirrors in-flight output into the row.
func (s *GormStore) UpdateMessagePartial(ctx context.Context, id, partial string) error {
	return s.updateMessage(ctx, id, map[string]any{
		"partial_content": partial,
		"updated_at":      time.Now().UTC(),
	})
}

// FinalizeMessage sets the final content and clears streaming state in a
// single update.
func (s *GormStore) FinalizeMessage(ctx context.Context, id, content string) error {
	return s.updateMessage(ctx, id, map[string]any{
		"content":         content,
		"state":           string(domain.StateComplete),
		"partial_content": "",
		"updated_at":      time.Now().UTC(),
	})
}

// MarkInterrupted flags the row resumable, keeping its partial content.
func (s *GormStore) MarkInterrupted(ctx context.Context, id string) error {
	return s.updateMessage(ctx, id, map[string]any{
		"state":      string(domain.StateInterrupted),
		"updated_at": time.Now().UTC(),
	})
}

// MarkStreaming re-enters streaming state when a resume continues the row.
func (s *GormStore) MarkStreaming(ctx context.Context, id string) error {
	return s.updateMessage(ctx, id, map[string]any{
		"state":      string(domain.StateStreaming),
		"updated_at": time.Now().UTC(),
	})
}

func (s *GormStore) updateMessage(ctx context.Context, id string, fields map[string]any) error {
	tx := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ?", id).
		Updates(fields)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindInterrupted returns the most recent unfinalized message in the
// conversation, if any.
func (s *GormStore) FindInterrupted(ctx context.Context, conversationID, userID string) (domain.Message, bool, error) {
	var model MessageModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ? AND state IN ?",
			conversationID, userID,
			[]string{string(domain.StateStreaming), string(domain.StateInterrupted)}).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// GetMessageByStream correlates a resume request with its attempt.
func (s *GormStore) GetMessageByStream(ctx context.Context, streamID, conversationID, userID string) (domain.Message, error) {
	var model MessageModel
	err := s.db.WithContext(ctx).
		First(&model, "stream_id = ? AND conversation_id = ? AND user_id = ?",
			streamID, conversationID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, ErrNotFound
		}
		return domain.Message{}, err
	}
	return messageFromModel(model), nil
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         msg.UserID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		State:          string(msg.State),
		PartialContent: msg.PartialContent,
		StreamID:       msg.StreamID,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return MessageModel{}, fmt.Errorf("marshal metadata: %w", err)
		}
		model.Metadata = raw
	}
	return model, nil
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		State:          domain.StreamState(m.State),
		PartialContent: m.PartialContent,
		StreamID:       m.StreamID,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &msg.Metadata)
	}
	return msg
}
