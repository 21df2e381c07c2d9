package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrEventNotFound 事件不存在
var ErrEventNotFound = errors.New("event not found")

// EventService owns event persistence, applies the engine's event mutations,
// and feeds lifecycle signals into the automation dispatcher.
type EventService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	automation *AutomationService
}

func NewEventService(db *gorm.DB, logger *logrus.Logger) *EventService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventService{db: db, logger: logger}
}

// SetAutomationService 注入自动化服务，事件生命周期变化时触发规则
func (s *EventService) SetAutomationService(automation *AutomationService) {
	s.automation = automation
}

// EventRequest 创建/更新事件的请求
type EventRequest struct {
	CalendarID  uint      `json:"calendar_id" binding:"required"`
	OwnerID     uint      `json:"owner_id" binding:"required"`
	Title       string    `json:"title" binding:"required"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Color       string    `json:"color"`
	Tags        string    `json:"tags"`
	AllDay      bool      `json:"all_day"`
	StartTime   time.Time `json:"start_time" binding:"required"`
	EndTime     time.Time `json:"end_time" binding:"required"`
}

// CreateEvent 创建事件并分发 event.created
func (s *EventService) CreateEvent(ctx context.Context, req *EventRequest) (*models.Event, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if req.EndTime.Before(req.StartTime) {
		return nil, fmt.Errorf("end time before start time")
	}
	event := &models.Event{
		CalendarID:  req.CalendarID,
		OwnerID:     req.OwnerID,
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Color:       req.Color,
		Status:      "confirmed",
		Tags:        req.Tags,
		AllDay:      req.AllDay,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	s.dispatch(ctx, models.TriggerEventCreated, event)
	return event, nil
}

// UpdateEvent 更新事件并分发 event.updated
func (s *EventService) UpdateEvent(ctx context.Context, id uint, req *EventRequest) (*models.Event, error) {
	event, err := s.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	event.CalendarID = req.CalendarID
	event.Title = req.Title
	event.Description = req.Description
	event.Location = req.Location
	event.Color = req.Color
	event.Tags = req.Tags
	event.AllDay = req.AllDay
	event.StartTime = req.StartTime
	event.EndTime = req.EndTime
	if err := s.db.WithContext(ctx).Save(event).Error; err != nil {
		return nil, err
	}
	s.dispatch(ctx, models.TriggerEventUpdated, event)
	return event, nil
}

// DeleteEvent 删除事件，用删除前快照分发 event.deleted
func (s *EventService) DeleteEvent(ctx context.Context, id uint) error {
	event, err := s.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&models.Event{}, id).Error; err != nil {
		return err
	}
	s.dispatch(ctx, models.TriggerEventDeleted, event)
	return nil
}

// ImportEvents 批量导入事件（日历导入），每条分发 calendar.imported
func (s *EventService) ImportEvents(ctx context.Context, reqs []*EventRequest) (int, error) {
	imported := 0
	for _, req := range reqs {
		event := &models.Event{
			CalendarID:  req.CalendarID,
			OwnerID:     req.OwnerID,
			Title:       req.Title,
			Description: req.Description,
			Location:    req.Location,
			Color:       req.Color,
			Status:      "confirmed",
			Tags:        req.Tags,
			AllDay:      req.AllDay,
			StartTime:   req.StartTime,
			EndTime:     req.EndTime,
		}
		if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
			s.logger.Warnf("events: import entry failed: %v", err)
			continue
		}
		imported++
		s.dispatch(ctx, models.TriggerCalendarImported, event)
	}
	return imported, nil
}

// GetEvent 读取单个事件
func (s *EventService) GetEvent(ctx context.Context, id uint) (*models.Event, error) {
	var event models.Event
	if err := s.db.WithContext(ctx).First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

func (s *EventService) dispatch(ctx context.Context, trigger models.TriggerType, event *models.Event) {
	if s.automation == nil {
		return
	}
	s.automation.Dispatch(ctx, trigger, event, nil, nil)
}

// --- EventMutator: 动作执行器通过以下方法修改事件 ---

func (s *EventService) SetColor(ctx context.Context, eventID uint, color string) error {
	return s.updateColumn(ctx, eventID, "color", color)
}

// AddTag appends to the comma separated tag column, skipping duplicates.
func (s *EventService) AddTag(ctx context.Context, eventID uint, tag string) error {
	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	for _, existing := range event.TagList() {
		if existing == tag {
			return nil
		}
	}
	tags := tag
	if event.Tags != "" {
		tags = event.Tags + "," + tag
	}
	return s.updateColumn(ctx, eventID, "tags", tags)
}

func (s *EventService) UpdateTitle(ctx context.Context, eventID uint, title string) error {
	return s.updateColumn(ctx, eventID, "title", title)
}

func (s *EventService) UpdateDescription(ctx context.Context, eventID uint, description string) error {
	return s.updateColumn(ctx, eventID, "description", description)
}

func (s *EventService) MoveToCalendar(ctx context.Context, eventID uint, calendarID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Calendar{}).Where("id = ?", calendarID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("calendar %d not found", calendarID)
	}
	return s.updateColumn(ctx, eventID, "calendar_id", calendarID)
}

func (s *EventService) Cancel(ctx context.Context, eventID uint) error {
	return s.updateColumn(ctx, eventID, "status", "cancelled")
}

func (s *EventService) updateColumn(ctx context.Context, eventID uint, column string, value interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", eventID).
		Update(column, value)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Update 命中 0 行时 gorm 不报错，这里显式区分事件已被删除的情况
		var count int64
		s.db.WithContext(ctx).Model(&models.Event{}).Where("id = ?", eventID).Count(&count)
		if count == 0 {
			return ErrEventNotFound
		}
	}
	return nil
}
