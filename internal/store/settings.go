package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveSettings upserts the user's settings wholesale: the row is a
// singleton per user_id and every saved field replaces the stored one.
func (s *Store) SaveSettings(ctx context.Context, settings UserSettings) error {
	if settings.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrPersistence)
	}
	if settings.PreferredLLM == "" {
		settings.PreferredLLM = "local"
	}
	if settings.ID == uuid.Nil {
		settings.ID = uuid.New()
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"preferred_llm", "budget_alerts", "custom_dashboards", "updated_at",
		}),
	}).Create(&settings).Error
	if err != nil {
		return fmt.Errorf("%w: save settings: %v", ErrPersistence, err)
	}
	return nil
}

// GetSettings returns the settings row for the user, or ErrNotFound.
func (s *Store) GetSettings(ctx context.Context, userID string) (*UserSettings, error) {
	var settings UserSettings
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: settings for %s", ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get settings: %v", ErrPersistence, err)
	}
	return &settings, nil
}

// SaveChatMessage appends one exchange to the chat history.
func (s *Store) SaveChatMessage(ctx context.Context, msg ChatMessage) error {
	if msg.SessionID == uuid.Nil {
		return fmt.Errorf("%w: missing session id", ErrPersistence)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("%w: save chat message: %v", ErrPersistence, err)
	}
	return nil
}

// RecentChatHistory returns the session's latest n exchanges, oldest first,
// sized for an adapter's context window.
func (s *Store) RecentChatHistory(ctx context.Context, sessionID uuid.UUID, n int) ([]ChatMessage, error) {
	var msgs []ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(n).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: chat history: %v", ErrPersistence, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
