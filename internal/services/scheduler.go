package services

import (
	"context"
	"sync"
	"time"

	"planora/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AutomationScheduler is the ticking collaborator for time-based triggers:
// cron entries for scheduled.time rules, and a periodic scan that fires
// event.starts_in / event.ends_in rules when "now" crosses the configured
// window. The TriggerFire ledger keeps a rule/event pair from firing twice
// within the same window.
type AutomationScheduler struct {
	db         *gorm.DB
	logger     *logrus.Logger
	automation *AutomationService
	cron       *cron.Cron
	interval   time.Duration

	mu      sync.Mutex
	entries map[uint]cron.EntryID

	stop chan struct{}
	once sync.Once
}

func NewAutomationScheduler(db *gorm.DB, logger *logrus.Logger, automation *AutomationService, tickInterval time.Duration) *AutomationScheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	return &AutomationScheduler{
		db:         db,
		logger:     logger,
		automation: automation,
		cron:       cron.New(),
		interval:   tickInterval,
		entries:    make(map[uint]cron.EntryID),
		stop:       make(chan struct{}),
	}
}

// Start registers cron entries and launches the relative-trigger tick loop.
func (s *AutomationScheduler) Start(ctx context.Context) {
	s.Refresh()
	s.cron.Start()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.tickRelative(ctx)
			}
		}
	}()
}

// Stop halts cron jobs and the tick loop.
func (s *AutomationScheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.cron.Stop().Done()
}

// Refresh rebuilds cron entries from the enabled scheduled.time rules.
// Called after every rule CRUD so the schedule tracks the store.
func (s *AutomationScheduler) Refresh() {
	var rules []models.AutomationRule
	if err := s.db.
		Where("trigger_type = ? AND is_enabled = ?", string(models.TriggerScheduledTime), true).
		Find(&rules).Error; err != nil {
		s.logger.Warnf("automation: load scheduled rules failed: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[uint]bool, len(rules))
	for i := range rules {
		rule := rules[i]
		current[rule.ID] = true
		if _, exists := s.entries[rule.ID]; exists {
			continue
		}
		cfg, err := rule.ParsedTriggerConfig()
		if err != nil || cfg.Cron == "" {
			s.logger.Warnf("automation: rule %d has no usable cron config", rule.ID)
			continue
		}
		ruleID := rule.ID
		entryID, err := s.cron.AddFunc(cfg.Cron, func() { s.fireScheduled(ruleID) })
		if err != nil {
			s.logger.Warnf("automation: register cron for rule %d failed: %v", rule.ID, err)
			continue
		}
		s.entries[rule.ID] = entryID
	}

	// drop entries whose rule was deleted, disabled or retyped
	for id, entryID := range s.entries {
		if !current[id] {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
	}
}

// fireScheduled re-reads the rule at fire time so stale closures never run a
// deleted or disabled rule.
func (s *AutomationScheduler) fireScheduled(ruleID uint) {
	ctx := context.Background()
	rule, err := s.automation.GetRule(ctx, ruleID)
	if err != nil {
		s.logger.Warnf("automation: scheduled rule %d vanished: %v", ruleID, err)
		return
	}
	s.automation.DispatchRule(ctx, rule, nil, nil, nil)
}

// tickRelative scans for events whose starts_in/ends_in window has been
// crossed and fires the matching rules once per rule/event pair.
func (s *AutomationScheduler) tickRelative(ctx context.Context) {
	now := time.Now()
	for _, trigger := range []models.TriggerType{models.TriggerEventStartsIn, models.TriggerEventEndsIn} {
		var rules []models.AutomationRule
		if err := s.db.WithContext(ctx).
			Where("trigger_type = ? AND is_enabled = ?", string(trigger), true).
			Find(&rules).Error; err != nil {
			s.logger.Warnf("automation: load %s rules failed: %v", trigger, err)
			continue
		}

		for i := range rules {
			rule := &rules[i]
			cfg, err := rule.ParsedTriggerConfig()
			if err != nil || cfg.Minutes < 1 {
				continue
			}
			horizon := now.Add(time.Duration(cfg.Minutes) * time.Minute)

			var events []models.Event
			query := s.db.WithContext(ctx).Where("owner_id = ? AND status <> ?", rule.OwnerID, "cancelled")
			if trigger == models.TriggerEventStartsIn {
				query = query.Where("start_time > ? AND start_time <= ?", now, horizon)
			} else {
				query = query.Where("end_time > ? AND end_time <= ?", now, horizon)
			}
			if err := query.Find(&events).Error; err != nil {
				s.logger.Warnf("automation: scan events for rule %d failed: %v", rule.ID, err)
				continue
			}

			for j := range events {
				if s.claimFire(ctx, rule.ID, events[j].ID, trigger) {
					s.automation.DispatchRule(ctx, rule, &events[j], nil, nil)
				}
			}
		}
	}
}

// claimFire inserts into the dedupe ledger; the unique index makes the
// insert the arbiter under concurrent ticks.
func (s *AutomationScheduler) claimFire(ctx context.Context, ruleID, eventID uint, trigger models.TriggerType) bool {
	fire := models.TriggerFire{
		RuleID:      ruleID,
		EventID:     eventID,
		TriggerType: string(trigger),
		FiredAt:     time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&fire).Error; err != nil {
		// duplicate key: already fired in this window
		return false
	}
	return true
}
