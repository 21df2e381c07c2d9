package models

import (
	"strings"
	"time"
)

// User 平台用户（日历属主）
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"unique;not null" json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Calendar 用户日历
type Calendar struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OwnerID   uint      `gorm:"index" json:"owner_id"`
	Name      string    `gorm:"not null" json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event 日历事件，自动化引擎的触发实体
type Event struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CalendarID  uint      `gorm:"index" json:"calendar_id"`
	OwnerID     uint      `gorm:"index" json:"owner_id"`
	Title       string    `gorm:"not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Location    string    `json:"location"`
	Color       string    `json:"color"`
	Status      string    `gorm:"default:confirmed" json:"status"` // confirmed, cancelled
	Tags        string    `json:"tags"`                            // comma separated
	AllDay      bool      `json:"all_day"`
	StartTime   time.Time `gorm:"index" json:"start_time"`
	EndTime     time.Time `gorm:"index" json:"end_time"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DurationMinutes 返回事件时长（分钟）
func (e *Event) DurationMinutes() int {
	if e.EndTime.Before(e.StartTime) {
		return 0
	}
	return int(e.EndTime.Sub(e.StartTime) / time.Minute)
}

// TagList splits the comma separated tag column.
func (e *Event) TagList() []string {
	if e.Tags == "" {
		return nil
	}
	parts := strings.Split(e.Tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Task 由 create_task 动作生成的待办事项
type Task struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	OwnerID   uint       `gorm:"index" json:"owner_id"`
	EventID   *uint      `gorm:"index" json:"event_id,omitempty"`
	Title     string     `gorm:"not null" json:"title"`
	Notes     string     `gorm:"type:text" json:"notes"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	Done      bool       `gorm:"default:false" json:"done"`
	CreatedAt time.Time  `json:"created_at"`
}

// Notification 站内通知，send_notification 动作写入并通过 WebSocket 推送
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Read      bool      `gorm:"default:false" json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// TriggerFire 相对时间触发（starts_in/ends_in）的去重账本，
// 保证同一窗口内一个规则/事件对只触发一次。
type TriggerFire struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RuleID      uint      `gorm:"uniqueIndex:idx_trigger_fire" json:"rule_id"`
	EventID     uint      `gorm:"uniqueIndex:idx_trigger_fire" json:"event_id"`
	TriggerType string    `gorm:"uniqueIndex:idx_trigger_fire" json:"trigger_type"`
	FiredAt     time.Time `json:"fired_at"`
}
