package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
)

const experimentColumns = `id, experiment_name, rule_id, hypothesis, status, variant_a, variant_b, sample_a,
	sample_b, result_a, result_b, winner, started_at, ended_at`

func scanExperiment(row rowScanner) (*models.Experiment, error) {
	var (
		e                          models.Experiment
		ruleID, hypothesis, winner sql.NullString
		variantA, variantB         sql.NullString
		resultA, resultB           sql.NullString
		startedAt                  int64
		endedAt                    sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.Name, &ruleID, &hypothesis, &e.Status, &variantA, &variantB, &e.SampleA,
		&e.SampleB, &resultA, &resultB, &winner, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	e.RuleID = ruleID.String
	e.Hypothesis = hypothesis.String
	fromJSON(variantA, &e.VariantA)
	fromJSON(variantB, &e.VariantB)
	fromJSON(resultA, &e.ResultA)
	fromJSON(resultB, &e.ResultB)
	if winner.Valid {
		w := models.Winner(winner.String)
		e.Winner = &w
	}
	e.StartedAt = time.Unix(startedAt, 0)
	e.EndedAt = timePtr(endedAt)
	return &e, nil
}

func winnerValue(w *models.Winner) sql.NullString {
	if w == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*w), Valid: true}
}

func (c *Client) InsertExperiment(ctx context.Context, e *models.Experiment) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO exploration_experiments (id, experiment_name, rule_id, hypothesis, status, variant_a, variant_b,
			sample_a, sample_b, result_a, result_b, winner, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, nullString(e.RuleID), e.Hypothesis, e.Status, toJSON(e.VariantA), toJSON(e.VariantB),
		e.SampleA, e.SampleB, toJSON(e.ResultA), toJSON(e.ResultB), winnerValue(e.Winner), e.StartedAt.Unix(),
		unixPtr(e.EndedAt),
	)
	return apperr.Store("insert experiment", err)
}

func (c *Client) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	e, err := scanExperiment(c.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM exploration_experiments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("experiment", id)
	}
	if err != nil {
		return nil, apperr.Store("get experiment", err)
	}
	return e, nil
}

func (c *Client) UpdateExperiment(ctx context.Context, e *models.Experiment) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE exploration_experiments SET status = ?, sample_a = ?, sample_b = ?, result_a = ?, result_b = ?,
			winner = ?, ended_at = ?
		WHERE id = ? AND (status = 'running' OR (status = 'completed' AND ? = 'failed'))`,
		e.Status, e.SampleA, e.SampleB, toJSON(e.ResultA), toJSON(e.ResultB), winnerValue(e.Winner),
		unixPtr(e.EndedAt), e.ID, e.Status,
	)
	if err != nil {
		return apperr.Store("update experiment", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Store("update experiment", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := c.GetExperiment(ctx, e.ID)
	if err != nil {
		return err
	}
	return &apperr.TransitionError{ID: e.ID, From: string(current.Status), Action: "update experiment"}
}

func (c *Client) ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]models.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM exploration_experiments`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("list experiments", err)
	}
	defer rows.Close()

	var out []models.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, apperr.Store("scan experiment", err)
		}
		out = append(out, *e)
	}
	return out, apperr.Store("list experiments", rows.Err())
}

func (c *Client) UpsertHealth(ctx context.Context, h *models.EngineHealth) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO engine_health (component, status, error_count, success_count, last_error, last_success_at,
			last_error_at, circuit_opened_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(component) DO UPDATE SET
			status = excluded.status,
			error_count = excluded.error_count,
			success_count = excluded.success_count,
			last_error = excluded.last_error,
			last_success_at = excluded.last_success_at,
			last_error_at = excluded.last_error_at,
			circuit_opened_at = excluded.circuit_opened_at,
			metadata = excluded.metadata`,
		h.Component, h.Status, h.ErrorCount, h.SuccessCount, nullString(h.LastError), unixPtr(h.LastSuccessAt),
		unixPtr(h.LastErrorAt), unixPtr(h.CircuitOpenAt), toJSON(h.Metadata),
	)
	return apperr.Store("upsert health", err)
}

func (c *Client) ListHealth(ctx context.Context) ([]models.EngineHealth, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT component, status, error_count, success_count, last_error, last_success_at, last_error_at,
			circuit_opened_at, metadata
		FROM engine_health ORDER BY component`)
	if err != nil {
		return nil, apperr.Store("list health", err)
	}
	defer rows.Close()

	var out []models.EngineHealth
	for rows.Next() {
		var (
			h                           models.EngineHealth
			lastError, metadata         sql.NullString
			successAt, errorAt, openAt  sql.NullInt64
		)
		if err := rows.Scan(&h.Component, &h.Status, &h.ErrorCount, &h.SuccessCount, &lastError, &successAt,
			&errorAt, &openAt, &metadata); err != nil {
			return nil, apperr.Store("scan health", err)
		}
		h.LastError = lastError.String
		h.LastSuccessAt = timePtr(successAt)
		h.LastErrorAt = timePtr(errorAt)
		h.CircuitOpenAt = timePtr(openAt)
		fromJSON(metadata, &h.Metadata)
		out = append(out, h)
	}
	return out, apperr.Store("list health", rows.Err())
}
