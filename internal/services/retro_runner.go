package services

import (
	"context"
	"fmt"

	"planora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RetroRunner replays a single rule against the owner's full historical
// event set, reusing the live evaluation pipeline per event. The run is not
// transactional: a crash mid-run leaves partial audit history, and a re-run
// repeats action effects, so callers must tolerate both.
type RetroRunner struct {
	db         *gorm.DB
	logger     *logrus.Logger
	automation *AutomationService
	batchSize  int
}

func NewRetroRunner(db *gorm.DB, logger *logrus.Logger, automation *AutomationService, batchSize int) *RetroRunner {
	if logger == nil {
		logger = logrus.New()
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &RetroRunner{db: db, logger: logger, automation: automation, batchSize: batchSize}
}

// RetroRunResult 追溯执行的汇总结果。ExecutionCount 是访问过的事件数
// （每个事件都会写一条审计记录，包括 skipped），不是命中数。
type RetroRunResult struct {
	Message        string `json:"message"`
	ExecutionCount int    `json:"execution_count"`
}

// RunRetroactively pages through the rule owner's events in bounded batches
// and runs each through the evaluator/executor/audit pipeline, tagging the
// entries with the invoking user. Cancellation between events is honored
// without corrupting audit history already written.
func (r *RetroRunner) RunRetroactively(ctx context.Context, ruleID uint, userID uint) (*RetroRunResult, error) {
	rule, err := r.automation.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	visited := 0
	lastID := uint(0)
	for {
		if err := ctx.Err(); err != nil {
			r.logger.Warnf("automation: retroactive run for rule %d cancelled after %d events", ruleID, visited)
			return &RetroRunResult{
				Message:        fmt.Sprintf("cancelled after %d events", visited),
				ExecutionCount: visited,
			}, err
		}

		var batch []models.Event
		if err := r.db.WithContext(ctx).
			Where("owner_id = ? AND id > ?", rule.OwnerID, lastID).
			Order("id").
			Limit(r.batchSize).
			Find(&batch).Error; err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			if err := ctx.Err(); err != nil {
				return &RetroRunResult{
					Message:        fmt.Sprintf("cancelled after %d events", visited),
					ExecutionCount: visited,
				}, err
			}
			// runRule directly: a retroactive run is an explicit operator
			// action, so the enabled flag gate does not apply.
			executedBy := userID
			r.automation.runRule(ctx, rule, &batch[i], nil, &executedBy)
			visited++
			lastID = batch[i].ID
		}
	}

	r.logger.Infof("automation: retroactive run for rule %d visited %d events", ruleID, visited)
	return &RetroRunResult{
		Message:        fmt.Sprintf("rule %q evaluated against %d events", rule.Name, visited),
		ExecutionCount: visited,
	}, nil
}
