package services

import (
	"context"
	"fmt"

	"planora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TaskService 持久化 create_task 动作生成的待办
type TaskService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTaskService(db *gorm.DB, logger *logrus.Logger) *TaskService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TaskService{db: db, logger: logger}
}

// CreateTask 创建待办；event 关联可为空（webhook 触发）
func (s *TaskService) CreateTask(ctx context.Context, ownerID uint, eventID *uint, title, notes string) error {
	if ownerID == 0 {
		return fmt.Errorf("owner id required")
	}
	task := &models.Task{
		OwnerID: ownerID,
		EventID: eventID,
		Title:   title,
		Notes:   notes,
	}
	return s.db.WithContext(ctx).Create(task).Error
}

// ListTasks 返回用户的待办
func (s *TaskService) ListTasks(ctx context.Context, ownerID uint) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&tasks).Error
	return tasks, err
}
