package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"planora/internal/config"
	"planora/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 加载配置
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	// 连接数据库
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
		)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	// 自动迁移所有模型
	err = db.AutoMigrate(
		&models.User{},
		&models.Calendar{},
		&models.Event{},
		&models.Task{},
		&models.Notification{},
		&models.AutomationRule{},
		&models.AuditLogEntry{},
		&models.TriggerFire{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 为审计日志表创建复合索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_audit_rule_created ON audit_log_entries(rule_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_audit_status_created ON audit_log_entries(status, created_at)")

	// 为事件表创建复合索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_events_owner_start ON events(owner_id, start_time)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_events_calendar_start ON events(calendar_id, start_time)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_events_status ON events(status)")

	// 为规则表创建索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rules_trigger_enabled ON automation_rules(trigger_type, is_enabled)")

	// 为通知表创建索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at)")

	log.Println("Additional indexes created successfully!")

	// 插入默认数据
	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	// 创建默认管理员用户
	var adminUser models.User
	if err := db.Where("email = ?", "admin@planora.dev").First(&adminUser).Error; err != nil {
		adminUser = models.User{
			Email: "admin@planora.dev",
			Name:  "Administrator",
		}
		db.Create(&adminUser)
		log.Println("Created default admin user")
	}

	// 创建默认日历
	var workCalendar models.Calendar
	if err := db.Where("owner_id = ? AND name = ?", adminUser.ID, "Work").First(&workCalendar).Error; err != nil {
		workCalendar = models.Calendar{
			OwnerID: adminUser.ID,
			Name:    "Work",
			Color:   "#3b82f6",
		}
		db.Create(&workCalendar)
		log.Println("Created default calendar")
	}

	// 创建示例事件
	var kickoff models.Event
	if err := db.Where("calendar_id = ? AND title = ?", workCalendar.ID, "Project kickoff").First(&kickoff).Error; err != nil {
		start := time.Now().Add(48 * time.Hour).Truncate(time.Hour)
		kickoff = models.Event{
			CalendarID: workCalendar.ID,
			OwnerID:    adminUser.ID,
			Title:      "Project kickoff",
			Location:   "Room 4A",
			StartTime:  start,
			EndTime:    start.Add(time.Hour),
			Status:     "confirmed",
		}
		db.Create(&kickoff)
		log.Println("Created sample event")
	}

	// 创建示例自动化规则：会议开始前 15 分钟提醒
	var existingRule models.AutomationRule
	if err := db.Where("owner_id = ? AND name = ?", adminUser.ID, "Meeting reminder").First(&existingRule).Error; err != nil {
		conds, _ := json.Marshal([]models.RuleCondition{
			{Field: "event.status", Operator: models.OpNotEquals, Value: "cancelled", Order: 0},
		})
		actions, _ := json.Marshal([]models.RuleAction{
			{ID: "notify-owner", Type: models.ActionSendNotification, Order: 0, Config: map[string]interface{}{
				"title":   "Upcoming meeting",
				"message": "{{event.title}} starts soon",
			}},
		})
		trigCfg, _ := json.Marshal(models.TriggerConfig{Minutes: 15})
		rule := models.AutomationRule{
			OwnerID:        adminUser.ID,
			Name:           "Meeting reminder",
			TriggerType:    string(models.TriggerEventStartsIn),
			TriggerConfig:  string(trigCfg),
			Conditions:     string(conds),
			ConditionLogic: string(models.LogicAnd),
			Actions:        string(actions),
			IsEnabled:      true,
		}
		db.Create(&rule)
		log.Println("Created sample automation rule")
	}
}
