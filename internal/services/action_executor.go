package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"planora/internal/models"

	"github.com/sirupsen/logrus"
)

// ActionResult 单个动作的执行结果，顺序与动作 order 一致
type ActionResult struct {
	ActionID   string                 `json:"action_id,omitempty"`
	ActionType models.ActionType      `json:"action_type"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	ExecutedAt time.Time              `json:"executed_at"`
}

// EventMutator 事件存储协作方，动作通过它修改事件
type EventMutator interface {
	SetColor(ctx context.Context, eventID uint, color string) error
	AddTag(ctx context.Context, eventID uint, tag string) error
	UpdateTitle(ctx context.Context, eventID uint, title string) error
	UpdateDescription(ctx context.Context, eventID uint, description string) error
	MoveToCalendar(ctx context.Context, eventID uint, calendarID uint) error
	Cancel(ctx context.Context, eventID uint) error
}

// Notifier 通知协作方
type Notifier interface {
	Notify(ctx context.Context, userID uint, title, message string) error
}

// TaskCreator 待办协作方
type TaskCreator interface {
	CreateTask(ctx context.Context, ownerID uint, eventID *uint, title, notes string) error
}

// WebhookPoster 出站 webhook 协作方
type WebhookPoster interface {
	Post(ctx context.Context, url string, headers map[string]string, body interface{}) error
}

// ActionExecutor runs a rule's ordered action chain against the triggering
// entity. Failures are isolated per action: one failed action is recorded
// and execution continues, so a chain may end partially applied.
type ActionExecutor struct {
	events   EventMutator
	notifier Notifier
	tasks    TaskCreator
	hooks    WebhookPoster
	logger   *logrus.Logger
	timeout  time.Duration
}

func NewActionExecutor(events EventMutator, notifier Notifier, tasks TaskCreator, hooks WebhookPoster, logger *logrus.Logger, timeout time.Duration) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ActionExecutor{
		events:   events,
		notifier: notifier,
		tasks:    tasks,
		hooks:    hooks,
		logger:   logger,
		timeout:  timeout,
	}
}

// Execute runs actions strictly in ascending order. The returned slice
// always matches the input order, including failed middle actions.
func (x *ActionExecutor) Execute(ctx context.Context, actions []models.RuleAction, event *models.Event, resolve FieldResolver) []ActionResult {
	ordered := make([]models.RuleAction, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	results := make([]ActionResult, 0, len(ordered))
	for _, act := range ordered {
		result := ActionResult{
			ActionID:   act.ID,
			ActionType: act.Type,
			ExecutedAt: time.Now(),
		}
		data, err := x.runOne(ctx, act, event, resolve)
		if err != nil {
			result.Error = err.Error()
			x.logger.Warnf("automation: action %s failed: %v", act.Type, err)
		} else {
			result.Success = true
			result.Data = data
		}
		results = append(results, result)
	}
	return results
}

// runOne executes a single action with a bounded timeout and panic
// isolation, so one slow or broken action cannot stall or abort the chain.
func (x *ActionExecutor) runOne(ctx context.Context, act models.RuleAction, event *models.Event, resolve FieldResolver) (data map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	switch act.Type {
	case models.ActionSetEventColor:
		if event == nil {
			return nil, fmt.Errorf("event not loaded")
		}
		color := x.stringConfig(act, "color", resolve)
		if color == "" {
			return nil, fmt.Errorf("color param required")
		}
		return map[string]interface{}{"color": color}, x.events.SetColor(ctx, event.ID, color)

	case models.ActionAddEventTag:
		if event == nil {
			return nil, fmt.Errorf("event not loaded")
		}
		tag := x.stringConfig(act, "tag", resolve)
		if tag == "" {
			return nil, fmt.Errorf("tag param required")
		}
		return map[string]interface{}{"tag": tag}, x.events.AddTag(ctx, event.ID, tag)

	case models.ActionUpdateEventTitle:
		if event == nil {
			return nil, fmt.Errorf("event not loaded")
		}
		title := x.stringConfig(act, "title", resolve)
		if title == "" {
			return nil, fmt.Errorf("title param required")
		}
		return map[string]interface{}{"title": title}, x.events.UpdateTitle(ctx, event.ID, title)

	case models.ActionUpdateDescription:
		if event == nil {
			return nil, fmt.Errorf("event not loaded")
		}
		description := x.stringConfig(act, "description", resolve)
		return nil, x.events.UpdateDescription(ctx, event.ID, description)

	case models.ActionMoveToCalendar:
		if event == nil {
			return nil, fmt.Errorf("event not loaded")
		}
		calendarID, err := x.uintConfig(act, "calendar_id")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"calendar_id": calendarID}, x.events.MoveToCalendar(ctx, event.ID, calendarID)

	case models.ActionCancelEvent:
		if event == nil {
			return nil, fmt.Errorf("event not loaded")
		}
		return nil, x.events.Cancel(ctx, event.ID)

	case models.ActionSendNotification:
		userID, err := x.uintConfig(act, "user_id")
		if err != nil && event != nil {
			userID = event.OwnerID
			err = nil
		}
		if err != nil {
			return nil, fmt.Errorf("user_id param required")
		}
		title := x.stringConfig(act, "title", resolve)
		message := x.stringConfig(act, "message", resolve)
		if message == "" {
			return nil, fmt.Errorf("message param required")
		}
		return nil, x.notifier.Notify(ctx, userID, title, message)

	case models.ActionCreateTask:
		title := x.stringConfig(act, "title", resolve)
		if title == "" {
			return nil, fmt.Errorf("title param required")
		}
		notes := x.stringConfig(act, "notes", resolve)
		var ownerID uint
		var eventID *uint
		if event != nil {
			ownerID = event.OwnerID
			id := event.ID
			eventID = &id
		} else if id, err := x.uintConfig(act, "owner_id"); err == nil {
			ownerID = id
		} else {
			return nil, fmt.Errorf("owner_id param required")
		}
		return nil, x.tasks.CreateTask(ctx, ownerID, eventID, title, notes)

	case models.ActionWebhook:
		url := x.stringConfig(act, "url", resolve)
		if url == "" {
			return nil, fmt.Errorf("url param required")
		}
		headers := map[string]string{}
		if raw, ok := act.Config["headers"].(map[string]interface{}); ok {
			for k, v := range raw {
				headers[k] = InterpolateSmartValues(stringify(v), resolve)
			}
		}
		body := map[string]interface{}{"triggered_at": time.Now().UTC()}
		if include, _ := act.Config["include_event"].(bool); include && event != nil {
			body["event"] = event
		}
		if payload, ok := act.Config["payload"].(map[string]interface{}); ok {
			for k, v := range payload {
				if s, isStr := v.(string); isStr {
					body[k] = InterpolateSmartValues(s, resolve)
				} else {
					body[k] = v
				}
			}
		}
		return map[string]interface{}{"url": url}, x.hooks.Post(ctx, url, headers, body)

	default:
		return nil, fmt.Errorf("unsupported action type: %s", act.Type)
	}
}

// stringConfig reads a string config value with smart values interpolated.
func (x *ActionExecutor) stringConfig(act models.RuleAction, key string, resolve FieldResolver) string {
	val, _ := act.Config[key].(string)
	if val == "" {
		return ""
	}
	return InterpolateSmartValues(val, resolve)
}

func (x *ActionExecutor) uintConfig(act models.RuleAction, key string) (uint, error) {
	switch v := act.Config[key].(type) {
	case float64:
		if v <= 0 {
			return 0, fmt.Errorf("%s param required", key)
		}
		return uint(v), nil
	case int:
		if v <= 0 {
			return 0, fmt.Errorf("%s param required", key)
		}
		return uint(v), nil
	case string:
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return 0, fmt.Errorf("%s param required", key)
		}
		return uint(n), nil
	default:
		return 0, fmt.Errorf("%s param required", key)
	}
}
