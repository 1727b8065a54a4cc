package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationStatus marks whether a thread still accepts messages.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is an assistant chat thread owned by a user.
type Conversation struct {
	BaseModel

	OrganizationID string             `gorm:"type:uuid;not null;index" json:"organization_id"`
	UserID         string             `gorm:"type:uuid;not null;index" json:"user_id"`
	Title          string             `json:"title"`
	Model          string             `gorm:"type:varchar(128)" json:"model"`
	Status         ConversationStatus `gorm:"type:varchar(32);default:'active';index" json:"status"`
	LastMessageAt  *time.Time         `gorm:"index" json:"last_message_at"`

	Messages []ChatMessage `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}

// ChatRole identifies who authored a message.
type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleSystem    ChatRole = "system"
)

// ChatMessage is one turn in a conversation, with retrieval citations when present.
type ChatMessage struct {
	BaseModel

	ConversationID string   `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Role           ChatRole `gorm:"type:varchar(16);not null" json:"role"`
	Content        string   `gorm:"type:text" json:"content"`

	Citations        datatypes.JSON `json:"citations,omitempty"`
	RequestID        string         `gorm:"type:varchar(32);index" json:"request_id,omitempty"`
	Provider         string         `gorm:"type:varchar(64)" json:"provider,omitempty"`
	PromptTokens     int64          `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int64          `gorm:"default:0" json:"completion_tokens"`
	ErrorCode        string         `gorm:"type:varchar(64)" json:"error_code,omitempty"`
}

// Citation points an assistant answer back at a retrieved chunk.
type Citation struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	ChunkSeq   int     `json:"chunk_seq"`
	Score      float64 `json:"score"`
}
