package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ConversationModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index"`
	UserID         string `gorm:"not null;index"`
	Role           string `gorm:"not null"`
	Content        string `gorm:"type:text;not null;default:''"`
	State          string `gorm:"not null;index"`
	PartialContent string `gorm:"type:text;not null;default:''"`
	StreamID       string `gorm:"index"`
	Metadata       datatypes.JSON
	CreatedAt      time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (ConversationModel) TableName() string { return "conversations" }
func (MessageModel) TableName() string      { return "messages" }
