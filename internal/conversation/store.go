package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/copilot/internal/common"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrVersionConflict = errors.New("conversation was modified concurrently")
)

// Store is the conversation persistence the pipeline depends on.
type Store interface {
	Create(ctx context.Context, userID, connectionRef string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	GetByConnection(ctx context.Context, userID, connectionRef string) (*Conversation, error)
	AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error)
	// GetHistory returns up to limit most recent messages, oldest first.
	GetHistory(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// UpdateContext writes the domain snapshot if the stored version still
	// equals expectedVersion and returns the new version. Otherwise it
	// returns ErrVersionConflict and writes nothing.
	UpdateContext(ctx context.Context, id, snapshot string, expectedVersion int64) (int64, error)
	UpdateMetadata(ctx context.Context, id, metadata string) error
	// Clear drops messages, snapshot and metadata but keeps the conversation.
	Clear(ctx context.Context, id string) error
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, userID, connectionRef string) (*Conversation, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	c := &Conversation{ID: id, UserID: userID, ConnectionRef: connectionRef}
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetByConnection returns the newest conversation bound to connectionRef.
func (r *Repo) GetByConnection(ctx context.Context, userID, connectionRef string) (*Conversation, error) {
	var c Conversation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND connection_ref = ?", userID, connectionRef).
		Order("id DESC").
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repo) AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	m := &Message{ConversationID: conversationID, Role: role, Content: content}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Conversation{}).
			Where("id = ?", conversationID).
			UpdateColumn("message_count", gorm.Expr("message_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(m).Error
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Repo) GetHistory(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var desc []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	out := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		out = append(out, desc[i])
	}
	return out, nil
}

func (r *Repo) UpdateContext(ctx context.Context, id, snapshot string, expectedVersion int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"context": snapshot,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("update context %s at version %d: %w", id, expectedVersion, ErrVersionConflict)
	}
	return expectedVersion + 1, nil
}

func (r *Repo) UpdateMetadata(ctx context.Context, id, metadata string) error {
	res := r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", id).
		Update("metadata", metadata)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) Clear(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Conversation{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"context":       "",
				"metadata":      "",
				"message_count": 0,
				"version":       gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("conversation_id = ?", id).Delete(&Message{}).Error
	})
}
