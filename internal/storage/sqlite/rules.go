package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const ruleColumns = `id, category, rule_key, rule_name, rule_content, source, status, effectiveness_score,
	usage_count, version, parent_id, review_score, review_decision, reviewed_at, last_evaluated_at,
	below_threshold_since, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*models.Rule, error) {
	var (
		r                                   models.Rule
		content, parentID, decision         sql.NullString
		reviewScore                         sql.NullFloat64
		reviewedAt, evaluatedAt, belowSince sql.NullInt64
		createdAt, updatedAt                int64
	)
	err := row.Scan(
		&r.ID, &r.Category, &r.Key, &r.Name, &content, &r.Source, &r.Status, &r.EffectivenessScore,
		&r.UsageCount, &r.Version, &parentID, &reviewScore, &decision, &reviewedAt, &evaluatedAt,
		&belowSince, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	fromJSON(content, &r.Content)
	r.ParentID = parentID.String
	r.ReviewScore = floatPtr(reviewScore)
	r.ReviewDecision = models.ReviewDecision(decision.String)
	r.ReviewedAt = timePtr(reviewedAt)
	r.LastEvaluatedAt = timePtr(evaluatedAt)
	r.BelowThresholdSince = timePtr(belowSince)
	r.CreatedAt = time.Unix(createdAt, 0)
	r.UpdatedAt = time.Unix(updatedAt, 0)
	return &r, nil
}

func (c *Client) CreateRuleVersion(ctx context.Context, rule *models.Rule, log models.RuleChangeLog) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var latestID string
		var latestVersion int
		err := tx.QueryRowContext(ctx,
			`SELECT id, version FROM ai_rules WHERE category = ? AND rule_key = ? ORDER BY version DESC LIMIT 1`,
			rule.Category, rule.Key,
		).Scan(&latestID, &latestVersion)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rule.Version = 1
			rule.ParentID = ""
		case err != nil:
			return fmt.Errorf("failed to read latest version: %w", err)
		default:
			rule.Version = latestVersion + 1
			rule.ParentID = latestID
		}
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ai_rules (id, category, rule_key, rule_name, rule_content, source, status,
				effectiveness_score, usage_count, version, parent_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.ID, rule.Category, rule.Key, rule.Name, toJSON(rule.Content), rule.Source, rule.Status,
			rule.EffectivenessScore, rule.UsageCount, rule.Version, nullString(rule.ParentID),
			rule.CreatedAt.Unix(), rule.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}

		log.RuleID = rule.ID
		return insertChangeLog(ctx, tx, log)
	})
	if err != nil {
		return apperr.Store("create rule version", err)
	}

	logger.Debug("Rule version inserted",
		zap.String("rule_id", rule.ID),
		zap.String("rule_key", rule.Key),
		zap.Int("version", rule.Version),
	)
	return nil
}

func insertChangeLog(ctx context.Context, tx *sql.Tx, log models.RuleChangeLog) error {
	var oldContent, newContent sql.NullString
	if log.OldContent != nil {
		oldContent = sql.NullString{String: toJSON(log.OldContent), Valid: true}
	}
	if log.NewContent != nil {
		newContent = sql.NullString{String: toJSON(log.NewContent), Valid: true}
	}
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rule_change_log (rule_id, action, old_content, new_content, reason, changed_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.RuleID, log.Action, oldContent, newContent, log.Reason, log.ChangedBy, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change log: %w", err)
	}
	return nil
}

func (c *Client) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM ai_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("rule", id)
	}
	if err != nil {
		return nil, apperr.Store("get rule", err)
	}
	return rule, nil
}

func (c *Client) ListRules(ctx context.Context, filter storage.RuleFilter) ([]models.Rule, error) {
	var where []string
	var args []any
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Key != "" {
		where = append(where, "rule_key = ?")
		args = append(args, filter.Key)
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}

	query := `SELECT ` + ruleColumns + ` FROM ai_rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY category, rule_key, version"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("list rules", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, apperr.Store("scan rule", err)
		}
		rules = append(rules, *rule)
	}
	return rules, apperr.Store("list rules", rows.Err())
}

func (c *Client) LatestRuleVersion(ctx context.Context, category models.RuleCategory, key string) (*models.Rule, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM ai_rules WHERE category = ? AND rule_key = ? ORDER BY version DESC LIMIT 1`,
		category, key,
	)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("latest rule version", err)
	}
	return rule, nil
}

func (c *Client) CountRules(ctx context.Context, category models.RuleCategory, status models.RuleStatus) (int, error) {
	query := `SELECT COUNT(*) FROM ai_rules WHERE status = ?`
	args := []any{status}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	var count int
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, apperr.Store("count rules", err)
	}
	return count, nil
}

func (c *Client) ChangeRuleStatus(ctx context.Context, change storage.StatusChange) error {
	var transitionErr error
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ai_rules SET status = ?, updated_at = ?,
				below_threshold_since = CASE WHEN ? = 'active' THEN below_threshold_since ELSE NULL END
			WHERE id = ? AND status = ?`,
			change.To, change.At.Unix(), change.To, change.RuleID, change.From,
		)
		if err != nil {
			return fmt.Errorf("failed to update rule status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM ai_rules WHERE id = ?`, change.RuleID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				transitionErr = apperr.NotFound("rule", change.RuleID)
			} else if err != nil {
				return fmt.Errorf("failed to read rule status: %w", err)
			} else {
				transitionErr = &apperr.TransitionError{ID: change.RuleID, From: current, Action: "move to " + string(change.To)}
			}
			return transitionErr
		}

		log := change.Log
		log.RuleID = change.RuleID
		return insertChangeLog(ctx, tx, log)
	})
	if transitionErr != nil {
		return transitionErr
	}
	return apperr.Store("change rule status", err)
}

func (c *Client) UpdateRuleReview(ctx context.Context, id string, score float64, decision models.ReviewDecision, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE ai_rules SET review_score = ?, review_decision = ?, reviewed_at = ?, updated_at = ? WHERE id = ?`,
		score, decision, at.Unix(), at.Unix(), id,
	)
	return c.expectRow(res, err, "update rule review", id)
}

func (c *Client) UpdateRuleEvaluation(ctx context.Context, id string, score float64, evaluatedAt time.Time, belowSince *time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE ai_rules SET effectiveness_score = ?, last_evaluated_at = ?, below_threshold_since = ? WHERE id = ?`,
		score, evaluatedAt.Unix(), unixPtr(belowSince), id,
	)
	return c.expectRow(res, err, "update rule evaluation", id)
}

func (c *Client) expectRow(res sql.Result, err error, op, id string) error {
	if err != nil {
		return apperr.Store(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Store(op, err)
	}
	if affected == 0 {
		return apperr.NotFound("rule", id)
	}
	return nil
}

func (c *Client) IncrementRuleUsage(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE ai_rules SET usage_count = usage_count + 1 WHERE id IN (`+placeholders+`)`, args...)
	return apperr.Store("increment rule usage", err)
}

func (c *Client) ListChangeLog(ctx context.Context, ruleID string) ([]models.RuleChangeLog, error) {
	query := `SELECT id, rule_id, action, old_content, new_content, reason, changed_by, created_at FROM rule_change_log`
	var args []any
	if ruleID != "" {
		query += " WHERE rule_id = ?"
		args = append(args, ruleID)
	}
	query += " ORDER BY id"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("list change log", err)
	}
	defer rows.Close()

	var entries []models.RuleChangeLog
	for rows.Next() {
		var (
			e               models.RuleChangeLog
			oldC, newC, why sql.NullString
			createdAt       int64
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.Action, &oldC, &newC, &why, &e.ChangedBy, &createdAt); err != nil {
			return nil, apperr.Store("scan change log", err)
		}
		fromJSON(oldC, &e.OldContent)
		fromJSON(newC, &e.NewContent)
		e.Reason = why.String
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	return entries, apperr.Store("list change log", rows.Err())
}

func (c *Client) CountChanges(ctx context.Context, actions []models.ChangeAction, from, to time.Time) (int, error) {
	if len(actions) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(actions)), ",")
	args := make([]any, 0, len(actions)+2)
	for _, a := range actions {
		args = append(args, a)
	}
	args = append(args, from.Unix(), to.Unix())

	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rule_change_log WHERE action IN (`+placeholders+`) AND created_at >= ? AND created_at < ?`,
		args...,
	).Scan(&count)
	if err != nil {
		return 0, apperr.Store("count changes", err)
	}
	return count, nil
}
