package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
)

func (c *Client) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO conversations (session_id, user_id, industry, problem_type, messages, fields, field_order,
			active_rule_ids, experiments, message_count, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			messages = excluded.messages,
			fields = excluded.fields,
			field_order = excluded.field_order,
			active_rule_ids = excluded.active_rule_ids,
			experiments = excluded.experiments,
			message_count = excluded.message_count,
			ended_at = excluded.ended_at`,
		conv.SessionID, conv.UserID, conv.Industry, conv.ProblemType, toJSON(conv.Messages), toJSON(conv.Fields),
		toJSON(conv.FieldOrder), toJSON(conv.ActiveRuleIDs), toJSON(conv.Experiments), len(conv.Messages),
		conv.EndedAt.Unix(),
	)
	return apperr.Store("save conversation", err)
}

const conversationColumns = `session_id, user_id, industry, problem_type, messages, fields, field_order,
	active_rule_ids, experiments, message_count, ended_at, analyzed_at`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv                                      models.Conversation
		userID, industry, problem                 sql.NullString
		messages, fields, fieldOrder, activeRules sql.NullString
		experiments                               sql.NullString
		endedAt                                   int64
		analyzedAt                                sql.NullInt64
	)
	err := row.Scan(&conv.SessionID, &userID, &industry, &problem, &messages, &fields, &fieldOrder,
		&activeRules, &experiments, &conv.MessageCount, &endedAt, &analyzedAt)
	if err != nil {
		return nil, err
	}
	conv.UserID = userID.String
	conv.Industry = industry.String
	conv.ProblemType = problem.String
	fromJSON(messages, &conv.Messages)
	fromJSON(fields, &conv.Fields)
	fromJSON(fieldOrder, &conv.FieldOrder)
	fromJSON(activeRules, &conv.ActiveRuleIDs)
	fromJSON(experiments, &conv.Experiments)
	conv.EndedAt = time.Unix(endedAt, 0)
	conv.AnalyzedAt = timePtr(analyzedAt)
	return &conv, nil
}

func (c *Client) GetConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE session_id = ?`, sessionID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("conversation", sessionID)
	}
	if err != nil {
		return nil, apperr.Store("get conversation", err)
	}
	return conv, nil
}

func (c *Client) ListUnanalyzed(ctx context.Context, minMessages, limit int) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE analyzed_at IS NULL AND message_count >= ?
		ORDER BY ended_at, session_id`
	args := []any{minMessages}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("list unanalyzed", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, apperr.Store("scan conversation", err)
		}
		out = append(out, *conv)
	}
	return out, apperr.Store("list unanalyzed", rows.Err())
}

func (c *Client) SaveAnalysis(ctx context.Context, a *models.Analysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	var dropOff sql.NullString
	if a.DropOffPoint != nil {
		dropOff = sql.NullString{String: *a.DropOffPoint, Valid: true}
	}
	raw := sql.NullString{}
	if len(a.RawAnalysis) > 0 {
		raw = sql.NullString{String: string(a.RawAnalysis), Valid: true}
	}

	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_analyses (id, session_id, user_id, industry, problem_type, total_turns,
				collection_turns, fields_collected, fields_skipped, fields_refused, completion_rate,
				professionalism_score, appeal_success_rate, user_satisfaction, response_quality, user_sentiment,
				drop_off_point, collection_efficiency, sentiment_trajectory, suggestions, raw_analysis,
				active_rule_ids, degraded, analyzed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.SessionID, a.UserID, a.Industry, a.ProblemType, a.TotalTurns, a.CollectionTurns,
			toJSON(a.FieldsCollected), toJSON(a.FieldsSkipped), toJSON(a.FieldsRefused), a.CompletionRate,
			nullFloat(a.ProfessionalismScore), nullFloat(a.AppealSuccessRate), nullFloat(a.UserSatisfaction),
			nullFloat(a.ResponseQuality), nullString(a.UserSentiment), dropOff, a.CollectionEfficiency,
			toJSON(a.SentimentTrajectory), toJSON(a.Suggestions), raw, toJSON(a.ActiveRuleIDs),
			boolInt(a.Degraded), a.AnalyzedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert analysis: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET analyzed_at = ? WHERE session_id = ?`,
			a.AnalyzedAt.Unix(), a.SessionID)
		if err != nil {
			return fmt.Errorf("failed to mark conversation analyzed: %w", err)
		}
		return nil
	})
	return apperr.Store("save analysis", err)
}

const analysisColumns = `id, session_id, user_id, industry, problem_type, total_turns, collection_turns,
	fields_collected, fields_skipped, fields_refused, completion_rate, professionalism_score, appeal_success_rate,
	user_satisfaction, response_quality, user_sentiment, drop_off_point, collection_efficiency,
	sentiment_trajectory, suggestions, raw_analysis, active_rule_ids, degraded, analyzed_at`

func scanAnalysis(row rowScanner) (*models.Analysis, error) {
	var (
		a                                     models.Analysis
		userID, industry, problem, sentiment  sql.NullString
		collected, skipped, refused           sql.NullString
		dropOff, trajectory, suggestions, raw sql.NullString
		activeRules                           sql.NullString
		prof, appeal, satisfaction, quality   sql.NullFloat64
		efficiency                            sql.NullFloat64
		degraded                              int
		analyzedAt                            int64
	)
	err := row.Scan(&a.ID, &a.SessionID, &userID, &industry, &problem, &a.TotalTurns, &a.CollectionTurns,
		&collected, &skipped, &refused, &a.CompletionRate, &prof, &appeal, &satisfaction, &quality, &sentiment,
		&dropOff, &efficiency, &trajectory, &suggestions, &raw, &activeRules, &degraded, &analyzedAt)
	if err != nil {
		return nil, err
	}
	a.UserID = userID.String
	a.Industry = industry.String
	a.ProblemType = problem.String
	a.UserSentiment = sentiment.String
	fromJSON(collected, &a.FieldsCollected)
	fromJSON(skipped, &a.FieldsSkipped)
	fromJSON(refused, &a.FieldsRefused)
	a.ProfessionalismScore = floatPtr(prof)
	a.AppealSuccessRate = floatPtr(appeal)
	a.UserSatisfaction = floatPtr(satisfaction)
	a.ResponseQuality = floatPtr(quality)
	if dropOff.Valid {
		d := dropOff.String
		a.DropOffPoint = &d
	}
	a.CollectionEfficiency = efficiency.Float64
	fromJSON(trajectory, &a.SentimentTrajectory)
	fromJSON(suggestions, &a.Suggestions)
	if raw.Valid {
		a.RawAnalysis = []byte(raw.String)
	}
	fromJSON(activeRules, &a.ActiveRuleIDs)
	a.Degraded = degraded != 0
	a.AnalyzedAt = time.Unix(analyzedAt, 0)
	return &a, nil
}

func (c *Client) GetAnalysis(ctx context.Context, sessionID string) (*models.Analysis, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM conversation_analyses WHERE session_id = ?`, sessionID)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("analysis", sessionID)
	}
	if err != nil {
		return nil, apperr.Store("get analysis", err)
	}
	return a, nil
}

func (c *Client) ListAnalyses(ctx context.Context, filter storage.AnalysisFilter) ([]models.Analysis, error) {
	var where []string
	var args []any
	if !filter.Since.IsZero() {
		where = append(where, "analyzed_at >= ?")
		args = append(args, filter.Since.Unix())
	}
	if !filter.Until.IsZero() {
		where = append(where, "analyzed_at < ?")
		args = append(args, filter.Until.Unix())
	}
	if filter.Industry != "" {
		where = append(where, "industry = ?")
		args = append(args, filter.Industry)
	}
	if filter.RuleID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(active_rule_ids) WHERE json_each.value = ?)")
		args = append(args, filter.RuleID)
	}

	query := `SELECT ` + analysisColumns + ` FROM conversation_analyses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY analyzed_at, session_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("list analyses", err)
	}
	defer rows.Close()

	var out []models.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, apperr.Store("scan analysis", err)
		}
		out = append(out, *a)
	}
	return out, apperr.Store("list analyses", rows.Err())
}

func (c *Client) UpsertTag(ctx context.Context, tag *models.Tag) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO conversation_tags (session_id, analysis_id, difficulty, user_type, quality_score, outcome, tags,
			industry_cluster, violation_cluster, pattern_flags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			analysis_id = excluded.analysis_id,
			difficulty = excluded.difficulty,
			user_type = excluded.user_type,
			quality_score = excluded.quality_score,
			outcome = excluded.outcome,
			tags = excluded.tags,
			industry_cluster = excluded.industry_cluster,
			violation_cluster = excluded.violation_cluster,
			pattern_flags = excluded.pattern_flags`,
		tag.SessionID, tag.AnalysisID, tag.Difficulty, tag.UserType, tag.QualityScore, tag.Outcome, toJSON(tag.Tags),
		tag.IndustryCluster, tag.ViolationCluster, toJSON(tag.PatternFlags), tag.CreatedAt.Unix(),
	)
	return apperr.Store("upsert tag", err)
}

const tagColumns = `session_id, analysis_id, difficulty, user_type, quality_score, outcome, tags,
	industry_cluster, violation_cluster, pattern_flags, created_at`

func scanTag(row rowScanner) (*models.Tag, error) {
	var (
		t                                 models.Tag
		analysisID, industry, violation   sql.NullString
		difficulty, userType, outcome     sql.NullString
		tags, flags                       sql.NullString
		quality                           sql.NullFloat64
		createdAt                         int64
	)
	err := row.Scan(&t.SessionID, &analysisID, &difficulty, &userType, &quality, &outcome, &tags,
		&industry, &violation, &flags, &createdAt)
	if err != nil {
		return nil, err
	}
	t.AnalysisID = analysisID.String
	t.Difficulty = models.Difficulty(difficulty.String)
	t.UserType = userType.String
	t.QualityScore = quality.Float64
	t.Outcome = models.Outcome(outcome.String)
	fromJSON(tags, &t.Tags)
	t.IndustryCluster = industry.String
	t.ViolationCluster = violation.String
	fromJSON(flags, &t.PatternFlags)
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

func (c *Client) GetTag(ctx context.Context, sessionID string) (*models.Tag, error) {
	tag, err := scanTag(c.db.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM conversation_tags WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("tag", sessionID)
	}
	if err != nil {
		return nil, apperr.Store("get tag", err)
	}
	return tag, nil
}

func (c *Client) ListTags(ctx context.Context, since time.Time) ([]models.Tag, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+tagColumns+` FROM conversation_tags WHERE created_at >= ? ORDER BY session_id`, since.Unix())
	if err != nil {
		return nil, apperr.Store("list tags", err)
	}
	defer rows.Close()

	var out []models.Tag
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, apperr.Store("scan tag", err)
		}
		out = append(out, *tag)
	}
	return out, apperr.Store("list tags", rows.Err())
}
