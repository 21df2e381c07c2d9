package services

import (
	"context"
	"fmt"

	"planora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationService persists in-app notifications and pushes them to
// connected clients. The hub push is best-effort; the row is the contract.
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	hub    *NotificationHub
}

func NewNotificationService(db *gorm.DB, logger *logrus.Logger, hub *NotificationHub) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, logger: logger, hub: hub}
}

// Notify 写入通知并推送
func (s *NotificationService) Notify(ctx context.Context, userID uint, title, message string) error {
	if userID == 0 {
		return fmt.Errorf("user id required")
	}
	notification := &models.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
	}
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Push(userID, notification)
	}
	return nil
}

// ListNotifications 返回用户的通知，未读在前
func (s *NotificationService) ListNotifications(ctx context.Context, userID uint, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var notifications []models.Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("read ASC, created_at DESC").
		Limit(limit).
		Find(&notifications).Error
	return notifications, err
}
