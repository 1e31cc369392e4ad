package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID            string `gorm:"primaryKey;size:26" json:"id"` // ULID
	UserID        string `gorm:"type:varchar(64);not null;index:idx_copilot_conv_user_conn,priority:1" json:"-"`
	ConnectionRef string `gorm:"type:varchar(64);not null;index:idx_copilot_conv_user_conn,priority:2" json:"-"`

	// Context is the JSON domain snapshot actions execute against.
	Context  string `gorm:"type:text" json:"-"`
	Metadata string `gorm:"type:text" json:"-"`
	// Version is bumped by every context write; see Store.UpdateContext.
	Version      int64 `gorm:"not null;default:0" json:"version"`
	MessageCount int64 `gorm:"not null;default:0" json:"message_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "copilot_conversations" }

type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(26);not null;index" json:"conversation_id"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "copilot_messages" }

// Metadata is the decoded form of Conversation.Metadata.
type Metadata struct {
	Summary string `json:"summary,omitempty"`
	// SummarizedAt is the message count the summary covers.
	SummarizedAt int64     `json:"summarized_at,omitempty"`
	LastIntent   string    `json:"last_intent,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

func DecodeMetadata(raw string) Metadata {
	var m Metadata
	if strings.TrimSpace(raw) != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	return m
}

func (m Metadata) Encode() string {
	b, _ := json.Marshal(m)
	return string(b)
}
