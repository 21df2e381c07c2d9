package handlers

import (
	"errors"
	"net/http"

	"planora/internal/services"

	"github.com/gin-gonic/gin"
)

// WebhookHandler 入站 webhook 网关的 HTTP 入口。
// 未知令牌返回 404 且不产生审计记录，没有可归属的规则。
type WebhookHandler struct {
	gateway *services.WebhookGateway
}

func NewWebhookHandler(gateway *services.WebhookGateway) *WebhookHandler {
	return &WebhookHandler{gateway: gateway}
}

// Receive 接收任意 JSON 载荷并按令牌路由
func (h *WebhookHandler) Receive(c *gin.Context) {
	token := c.Param("token")

	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid payload", Message: err.Error()})
		return
	}

	rule, err := h.gateway.Route(c.Request.Context(), token, payload)
	if err != nil {
		if errors.Is(err, services.ErrUnknownWebhookToken) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown webhook token", Message: "no rule registered for this token"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to route webhook", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "accepted", Data: gin.H{"rule_id": rule.ID}})
}

// RegisterWebhookRoutes 注册公共 webhook 路由
func RegisterWebhookRoutes(r *gin.RouterGroup, handler *WebhookHandler) {
	r.POST("/hooks/:token", handler.Receive)
}
