package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/apperr"
)

// RuleRepo is the Rule Store (C6): due-rule selection, CRUD validation, and
// the sole mutator of status / last_triggered_at.
type RuleRepo struct {
	db *gorm.DB
}

// allowedTransitions encodes the state machine in the data model exactly:
// CREATED → ACTIVE ↔ PAUSED; ACTIVE → TRIGGERED → EXECUTING → EXECUTED →
// ACTIVE, with a FAILED branch back to ACTIVE (manual retry) and CANCELLED
// reachable from any non-terminal state.
var allowedTransitions = map[RuleStatus]map[RuleStatus]bool{
	RuleCreated:   {RuleActive: true, RuleCancelled: true},
	RuleActive:    {RulePaused: true, RuleTriggered: true, RuleCancelled: true},
	RulePaused:    {RuleActive: true, RuleCancelled: true},
	RuleTriggered: {RuleExecuting: true, RuleFailed: true, RuleCancelled: true},
	RuleExecuting: {RuleExecuted: true, RuleFailed: true, RuleCancelled: true},
	RuleExecuted:  {RuleActive: true, RuleCancelled: true},
	RuleFailed:    {RuleActive: true, RuleCancelled: true},
}

// Create validates and inserts a new rule in CREATED status.
func (r *RuleRepo) Create(rule *Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	rule.Status = RuleCreated
	if err := r.db.Create(rule).Error; err != nil {
		return apperr.New("store.rules.create", apperr.StoreFailure, err)
	}
	return nil
}

func validateRule(rule *Rule) error {
	if len(rule.MarketID) == 0 || len(rule.MarketID) > 100 {
		return apperr.Newf("store.rules.validate", apperr.ConfigInvalid, "market_id must be 1-100 chars")
	}
	if rule.Threshold < 0 || rule.Threshold > 1 {
		return apperr.Newf("store.rules.validate", apperr.ConfigInvalid, "threshold must be in [0,1], got %f", rule.Threshold)
	}
	if rule.SwapFractionPct < 1 || rule.SwapFractionPct > 100 {
		return apperr.Newf("store.rules.validate", apperr.ConfigInvalid, "swap_fraction_pct must be in [1,100], got %d", rule.SwapFractionPct)
	}
	if rule.Condition != ConditionAbove && rule.Condition != ConditionBelow {
		return apperr.Newf("store.rules.validate", apperr.ConfigInvalid, "condition must be ABOVE or BELOW")
	}
	if rule.Action != ActionToStable && rule.Action != ActionToVolatile {
		return apperr.Newf("store.rules.validate", apperr.ConfigInvalid, "action must be TO_STABLE or TO_VOLATILE")
	}
	return nil
}

// Get fetches a rule by id.
func (r *RuleRepo) Get(id uint64) (*Rule, error) {
	var rule Rule
	if err := r.db.First(&rule, id).Error; err != nil {
		return nil, apperr.New("store.rules.get", apperr.StoreFailure, err)
	}
	return &rule, nil
}

// DueRules returns ACTIVE rules whose cooldown has elapsed (or never
// triggered), exactly per §4.6.
func (r *RuleRepo) DueRules(now time.Time) ([]Rule, error) {
	var rules []Rule
	err := r.db.Where("status = ?", RuleActive).Find(&rules).Error
	if err != nil {
		return nil, apperr.New("store.rules.due_rules", apperr.StoreFailure, err)
	}

	due := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.LastTriggeredAt == nil {
			due = append(due, rule)
			continue
		}
		elapsed := now.Sub(*rule.LastTriggeredAt)
		cooldown := time.Duration(rule.CooldownHours) * time.Hour
		if elapsed >= cooldown {
			due = append(due, rule)
		}
	}
	return due, nil
}

// Transition is the only mutator of status and last_triggered_at. It
// verifies the requested edge against allowedTransitions and fails with
// InvalidTransition otherwise.
func (r *RuleRepo) Transition(ruleID uint64, from, to RuleStatus, setLastTriggered bool) error {
	edges, ok := allowedTransitions[from]
	if !ok || !edges[to] {
		return apperr.Newf("store.rules.transition", apperr.InvalidTransition, "rule %d: %s -> %s not allowed", ruleID, from, to)
	}

	updates := map[string]interface{}{"status": to}
	if setLastTriggered {
		updates["last_triggered_at"] = time.Now().UTC()
	}

	result := r.db.Model(&Rule{}).
		Where("id = ? AND status = ?", ruleID, from).
		Updates(updates)
	if result.Error != nil {
		return apperr.New("store.rules.transition", apperr.StoreFailure, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.Newf("store.rules.transition", apperr.InvalidTransition, "rule %d not in expected state %s", ruleID, from)
	}
	return nil
}

// UpdateStatus is a convenience wrapper combining Get+Transition for callers
// that only know the rule id, fetching current status first.
func (r *RuleRepo) UpdateStatus(ruleID uint64, to RuleStatus, setLastTriggered bool) error {
	rule, err := r.Get(ruleID)
	if err != nil {
		return err
	}
	return r.Transition(ruleID, rule.Status, to, setLastTriggered)
}
