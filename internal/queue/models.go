package queue

import "time"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// QueuedRequest is a message deferred by admission control.
type QueuedRequest struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID

	UserID          string  `gorm:"type:varchar(64);not null;index:idx_copilot_queue_status_user,priority:2" json:"-"`
	ConnectionRef   string  `gorm:"type:varchar(64);not null" json:"-"`
	Message         string  `gorm:"type:text;not null" json:"-"`
	ConversationRef *string `gorm:"type:varchar(26)" json:"conversation_id,omitempty"`

	Status     Status  `gorm:"type:varchar(16);not null;index:idx_copilot_queue_status_user,priority:1" json:"status"`
	RetryCount int     `gorm:"not null;default:0" json:"retry_count"`
	Error      *string `gorm:"type:text" json:"error,omitempty"`

	QueuedAt    time.Time  `gorm:"index;not null" json:"queued_at"`
	ExpiresAt   time.Time  `gorm:"index;not null" json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DeliverAt is when the latest broker copy becomes deliverable.
	DeliverAt *time.Time `gorm:"index" json:"-"`
	UpdatedAt time.Time  `json:"-"`
}

func (QueuedRequest) TableName() string { return "copilot_queue" }
