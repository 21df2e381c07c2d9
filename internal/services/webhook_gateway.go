package services

import (
	"context"
	"errors"
	"fmt"

	"planora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrUnknownWebhookToken 入站令牌无法路由到任何规则
var ErrUnknownWebhookToken = errors.New("unknown webhook token")

// WebhookGateway routes inbound webhook payloads to their owning rule by
// opaque token. Unknown tokens produce no audit entry: there is no rule to
// attribute one to.
type WebhookGateway struct {
	db         *gorm.DB
	logger     *logrus.Logger
	automation *AutomationService
}

func NewWebhookGateway(db *gorm.DB, logger *logrus.Logger, automation *AutomationService) *WebhookGateway {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookGateway{db: db, logger: logger, automation: automation}
}

// Route looks up the unique rule owning the token, wraps the payload as
// webhook.data and dispatches it through the normal pipeline.
func (g *WebhookGateway) Route(ctx context.Context, token string, payload map[string]interface{}) (*models.AutomationRule, error) {
	if token == "" {
		return nil, ErrUnknownWebhookToken
	}

	var rule models.AutomationRule
	err := g.db.WithContext(ctx).
		Where("webhook_token = ? AND trigger_type = ?", token, string(models.TriggerWebhookIncoming)).
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownWebhookToken
		}
		return nil, err
	}

	g.automation.DispatchRule(ctx, &rule, nil, payload, nil)
	return &rule, nil
}

// RegenerateToken swaps a rule's webhook token in a single atomic update:
// the old token stops routing the moment the new one is visible, with no
// window where both resolve.
func (g *WebhookGateway) RegenerateToken(ctx context.Context, ruleID uint) (string, error) {
	rule, err := g.automation.GetRule(ctx, ruleID)
	if err != nil {
		return "", err
	}
	if rule.TriggerType != string(models.TriggerWebhookIncoming) {
		return "", fmt.Errorf("%w: rule %d has no webhook trigger", ErrInvalidRule, ruleID)
	}

	token := newWebhookToken()
	result := g.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", ruleID).
		UpdateColumn("webhook_token", token)
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", ErrRuleNotFound
	}

	g.logger.Infof("automation: regenerated webhook token for rule %d", ruleID)
	return token, nil
}
