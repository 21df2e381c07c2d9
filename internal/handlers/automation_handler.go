package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"planora/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 暴露自动化规则管理、追溯执行与审计查询接口
type AutomationHandler struct {
	service *services.AutomationService
	gateway *services.WebhookGateway
	retro   *services.RetroRunner
	audit   *services.AuditService
}

func NewAutomationHandler(service *services.AutomationService, gateway *services.WebhookGateway, retro *services.RetroRunner, audit *services.AuditService) *AutomationHandler {
	return &AutomationHandler{service: service, gateway: gateway, retro: retro, audit: audit}
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	rules, err := h.service.ListRules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

// GetRule 获取单条规则
func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := h.ruleID(c)
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	ownerID := parseUintQuery(c, "owner_id")
	rule, err := h.service.CreateRule(c.Request.Context(), ownerID, &req)
	if err != nil {
		h.serviceError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule 更新规则
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := h.ruleID(c)
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		h.serviceError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := h.ruleID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), id); err != nil {
		h.serviceError(c, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RunRetroactively 对历史事件追溯执行规则
func (h *AutomationHandler) RunRetroactively(c *gin.Context) {
	id, ok := h.ruleID(c)
	if !ok {
		return
	}
	userID := parseUintQuery(c, "user_id")
	result, err := h.retro.RunRetroactively(c.Request.Context(), id, userID)
	if err != nil {
		if result != nil {
			// 取消时返回已完成的部分，审计记录已经落库
			c.JSON(http.StatusOK, result)
			return
		}
		h.serviceError(c, "Failed to run rule retroactively", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RegenerateToken 重新生成 webhook 路由令牌
func (h *AutomationHandler) RegenerateToken(c *gin.Context) {
	id, ok := h.ruleID(c)
	if !ok {
		return
	}
	token, err := h.gateway.RegenerateToken(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, "Failed to regenerate token", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "token regenerated", Data: gin.H{"webhook_token": token}})
}

// ListLogs 审计日志列表（全部或单条规则）
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	var req services.AuditLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if idStr := c.Param("id"); idStr != "" {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
			return
		}
		ruleID := uint(id)
		req.RuleID = &ruleID
	}

	entries, total, err := h.audit.ListLogs(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list audit logs", Message: err.Error()})
		return
	}
	pages := int((total + int64(req.PageSize) - 1) / int64(req.PageSize))
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     entries,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Pages:    pages,
	})
}

// GetStats 单条规则的审计统计
func (h *AutomationHandler) GetStats(c *gin.Context) {
	id, ok := h.ruleID(c)
	if !ok {
		return
	}
	stats, err := h.audit.Stats(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to get audit stats", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *AutomationHandler) ruleID(c *gin.Context) (uint, bool) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

func (h *AutomationHandler) serviceError(c *gin.Context, title string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrRuleNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalidRule):
		status = http.StatusBadRequest
	}
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error()})
}

func parseUintQuery(c *gin.Context, key string) uint {
	n, _ := strconv.ParseUint(c.Query(key), 10, 32)
	return uint(n)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListRules)
		auto.POST("", handler.CreateRule)
		auto.GET("/logs", handler.ListLogs)
		auto.GET(":id", handler.GetRule)
		auto.PUT(":id", handler.UpdateRule)
		auto.DELETE(":id", handler.DeleteRule)
		auto.POST(":id/run", handler.RunRetroactively)
		auto.POST(":id/regenerate-token", handler.RegenerateToken)
		auto.GET(":id/logs", handler.ListLogs)
		auto.GET(":id/stats", handler.GetStats)
	}
}
