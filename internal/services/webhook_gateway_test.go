package services

import (
	"context"
	"errors"
	"testing"

	"planora/internal/models"
)

func newWebhookRule(t *testing.T, f *engineFixture) *models.AutomationRule {
	t.Helper()
	req := &AutomationRuleRequest{
		Name:        "deploy notifier",
		TriggerType: models.TriggerWebhookIncoming,
		Conditions: []models.RuleCondition{
			{Field: "webhook.data.kind", Operator: models.OpEquals, Value: "deploy", Order: 0},
		},
		Actions: []models.RuleAction{
			{Type: models.ActionSendNotification, Config: map[string]interface{}{
				"user_id": float64(7),
				"message": "deploy by {{webhook.data.actor}}",
			}, Order: 0},
		},
	}
	return f.mustCreateRule(t, req)
}

func TestWebhookGateway_UnknownToken(t *testing.T) {
	f := newEngineFixture(t)
	gateway := NewWebhookGateway(f.db, nil, f.automation)

	_, err := gateway.Route(context.Background(), "no-such-token", map[string]interface{}{"kind": "deploy"})
	if !errors.Is(err, ErrUnknownWebhookToken) {
		t.Fatalf("expected ErrUnknownWebhookToken, got %v", err)
	}
	// 未知令牌不产生审计记录
	var n int64
	f.db.Model(&models.AuditLogEntry{}).Count(&n)
	if n != 0 {
		t.Errorf("unknown token produced %d audit entries", n)
	}

	if _, err := gateway.Route(context.Background(), "", nil); !errors.Is(err, ErrUnknownWebhookToken) {
		t.Errorf("empty token should be unknown, got %v", err)
	}
}

func TestWebhookGateway_RoutesPayload(t *testing.T) {
	f := newEngineFixture(t)
	gateway := NewWebhookGateway(f.db, nil, f.automation)
	rule := newWebhookRule(t, f)

	routed, err := gateway.Route(context.Background(), *rule.WebhookToken, map[string]interface{}{
		"kind":  "deploy",
		"actor": "ci-bot",
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if routed.ID != rule.ID {
		t.Errorf("routed to rule %d, want %d", routed.ID, rule.ID)
	}

	var entry models.AuditLogEntry
	if err := f.db.Where("rule_id = ?", rule.ID).First(&entry).Error; err != nil {
		t.Fatalf("expected audit entry: %v", err)
	}
	if entry.Status != string(models.AuditSuccess) {
		t.Errorf("status = %s", entry.Status)
	}
	if len(f.notifier.messages) != 1 || f.notifier.messages[0] != "deploy by ci-bot" {
		t.Errorf("notification = %v", f.notifier.messages)
	}

	// 条件不匹配的载荷落 skipped
	if _, err := gateway.Route(context.Background(), *rule.WebhookToken, map[string]interface{}{"kind": "rollback"}); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	var skipped int64
	f.db.Model(&models.AuditLogEntry{}).Where("rule_id = ? AND status = ?", rule.ID, string(models.AuditSkipped)).Count(&skipped)
	if skipped != 1 {
		t.Errorf("expected 1 skipped entry, got %d", skipped)
	}
}

func TestWebhookGateway_RegenerateToken(t *testing.T) {
	f := newEngineFixture(t)
	gateway := NewWebhookGateway(f.db, nil, f.automation)
	rule := newWebhookRule(t, f)
	oldToken := *rule.WebhookToken

	newToken, err := gateway.RegenerateToken(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("RegenerateToken failed: %v", err)
	}
	if newToken == oldToken || newToken == "" {
		t.Fatal("expected a fresh token")
	}

	// 旧令牌立即失效，新令牌立即可路由
	if _, err := gateway.Route(context.Background(), oldToken, map[string]interface{}{"kind": "deploy"}); !errors.Is(err, ErrUnknownWebhookToken) {
		t.Errorf("old token should stop routing, got %v", err)
	}
	if _, err := gateway.Route(context.Background(), newToken, map[string]interface{}{"kind": "deploy"}); err != nil {
		t.Errorf("new token should route: %v", err)
	}
}

func TestWebhookGateway_RegenerateTokenRequiresWebhookTrigger(t *testing.T) {
	f := newEngineFixture(t)
	gateway := NewWebhookGateway(f.db, nil, f.automation)
	rule := f.mustCreateRule(t, validRuleRequest())

	if _, err := gateway.RegenerateToken(context.Background(), rule.ID); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule for non-webhook rule, got %v", err)
	}
	if _, err := gateway.RegenerateToken(context.Background(), 999); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}
