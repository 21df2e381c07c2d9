package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"planora/internal/config"
	"planora/internal/handlers"
	"planora/internal/models"
	"planora/internal/services"
	"planora/pkg/outbound"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the planora automation server",
	Long:  `Run the planora automation server`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// 连接数据库
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{}, &models.Calendar{}, &models.Event{}, &models.Task{}, &models.Notification{},
		&models.AutomationRule{}, &models.AuditLogEntry{}, &models.TriggerFire{},
	); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化服务
	hub := services.NewNotificationHub()
	go hub.Run()

	eventService := services.NewEventService(db, appLogger)
	notificationService := services.NewNotificationService(db, appLogger, hub)
	taskService := services.NewTaskService(db, appLogger)
	outboundClient := outbound.NewClient(&outbound.Config{
		Timeout:    cfg.Engine.OutboundTimeout,
		MaxRetries: cfg.Engine.OutboundMaxRetries,
		RetryDelay: time.Second,
	}, appLogger)
	executor := services.NewActionExecutor(eventService, notificationService, taskService, outboundClient, appLogger, cfg.Engine.ActionTimeout)
	auditService := services.NewAuditService(db, appLogger)
	automationService := services.NewAutomationService(db, appLogger, executor, auditService)
	eventService.SetAutomationService(automationService)
	gateway := services.NewWebhookGateway(db, appLogger, automationService)
	retroRunner := services.NewRetroRunner(db, appLogger, automationService, cfg.Engine.RetroBatchSize)

	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	scheduler := services.NewAutomationScheduler(db, appLogger, automationService, cfg.Engine.TickInterval)
	automationService.SetScheduler(scheduler)
	scheduler.Start(schedulerCtx)
	defer cancelScheduler()

	// 设置 Gin 模式
	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := setupRouter(db, hub, gateway, automationService, retroRunner, auditService, eventService)

	// 创建服务器
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// 启动服务器
	go func() {
		logrus.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	scheduler.Stop()

	// 优雅关闭
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}

func setupRouter(db *gorm.DB, hub *services.NotificationHub, gateway *services.WebhookGateway, automationService *services.AutomationService, retroRunner *services.RetroRunner, auditService *services.AuditService, eventService *services.EventService) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 健康检查
	healthHandler := handlers.NewHealthHandler(db)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// 公共路由
	public := router.Group("/")
	handlers.RegisterWebhookRoutes(public, handlers.NewWebhookHandler(gateway))
	router.GET("/ws/notifications", hub.HandleWebSocket)

	// API 路由组
	api := router.Group("/api")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(automationService, gateway, retroRunner, auditService))
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(eventService))

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
