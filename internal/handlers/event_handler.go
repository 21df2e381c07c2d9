package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"planora/internal/services"

	"github.com/gin-gonic/gin"
)

// EventHandler 事件的最小管理接口，生命周期变化会触发自动化规则
type EventHandler struct {
	service *services.EventService
}

func NewEventHandler(service *services.EventService) *EventHandler {
	return &EventHandler{service: service}
}

// CreateEvent 创建事件（触发 event.created 规则）
func (h *EventHandler) CreateEvent(c *gin.Context) {
	var req services.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	event, err := h.service.CreateEvent(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create event", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, event)
}

// UpdateEvent 更新事件（触发 event.updated 规则）
func (h *EventHandler) UpdateEvent(c *gin.Context) {
	id, ok := h.eventID(c)
	if !ok {
		return
	}
	var req services.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	event, err := h.service.UpdateEvent(c.Request.Context(), id, &req)
	if err != nil {
		h.serviceError(c, "Failed to update event", err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// DeleteEvent 删除事件（触发 event.deleted 规则）
func (h *EventHandler) DeleteEvent(c *gin.Context) {
	id, ok := h.eventID(c)
	if !ok {
		return
	}
	if err := h.service.DeleteEvent(c.Request.Context(), id); err != nil {
		h.serviceError(c, "Failed to delete event", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// ImportEvents 批量导入（每条触发 calendar.imported 规则）
func (h *EventHandler) ImportEvents(c *gin.Context) {
	var reqs []*services.EventRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	imported, err := h.service.ImportEvents(c.Request.Context(), reqs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to import events", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "imported", Data: gin.H{"imported": imported}})
}

// GetEvent 读取单个事件
func (h *EventHandler) GetEvent(c *gin.Context) {
	id, ok := h.eventID(c)
	if !ok {
		return
	}
	event, err := h.service.GetEvent(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, "Failed to get event", err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *EventHandler) eventID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return 0, false
	}
	return uint(id), true
}

func (h *EventHandler) serviceError(c *gin.Context, title string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, services.ErrEventNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error()})
}

// RegisterEventRoutes 注册路由
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	events := r.Group("/events")
	{
		events.POST("", handler.CreateEvent)
		events.POST("/import", handler.ImportEvents)
		events.GET(":id", handler.GetEvent)
		events.PUT(":id", handler.UpdateEvent)
		events.DELETE(":id", handler.DeleteEvent)
	}
}
