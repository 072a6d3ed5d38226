package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
)

func newMock(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestCreateRuleVersion_FirstVersion(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id, version FROM ai_rules WHERE category = ? AND rule_key = ?")).
		WithArgs("question_template", "shop_name").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}))
	mock.ExpectExec(q("INSERT INTO ai_rules")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q("INSERT INTO rule_change_log")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rule := &models.Rule{
		Category: models.CategoryQuestionTemplate,
		Key:      "shop_name",
		Name:     "Shop name",
		Content:  models.RuleContent{"template": "Shop?"},
		Source:   models.SourceAIGenerated,
		Status:   models.StatusPendingReview,
	}
	err := client.CreateRuleVersion(context.Background(), rule, models.RuleChangeLog{Action: models.ActionCreated, ChangedBy: "system"})
	require.NoError(t, err)

	assert.Equal(t, 1, rule.Version)
	assert.Empty(t, rule.ParentID)
	assert.NotEmpty(t, rule.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRuleVersion_Revision(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id, version FROM ai_rules")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow("rule-v2", 2))
	mock.ExpectExec(q("INSERT INTO ai_rules")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q("INSERT INTO rule_change_log")).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	rule := &models.Rule{Category: models.CategoryQuestionTemplate, Key: "shop_name", Status: models.StatusPendingReview}
	require.NoError(t, client.CreateRuleVersion(context.Background(), rule, models.RuleChangeLog{Action: models.ActionCreated}))

	assert.Equal(t, 3, rule.Version)
	assert.Equal(t, "rule-v2", rule.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRuleVersion_UniqueViolationRollsBack(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT id, version FROM ai_rules")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}))
	mock.ExpectExec(q("INSERT INTO ai_rules")).WillReturnError(errors.New("UNIQUE constraint failed"))
	mock.ExpectRollback()

	rule := &models.Rule{Category: models.CategoryQuestionTemplate, Key: "k"}
	err := client.CreateRuleVersion(context.Background(), rule, models.RuleChangeLog{Action: models.ActionCreated})

	assert.ErrorIs(t, err, apperr.ErrStore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRuleStatus_StaleFromIsTransitionError(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE ai_rules SET status = ?")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("SELECT status FROM ai_rules WHERE id = ?")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectRollback()

	err := client.ChangeRuleStatus(context.Background(), storage.StatusChange{
		RuleID: "r1",
		From:   models.StatusPendingReview,
		To:     models.StatusRejected,
		At:     time.Now(),
	})

	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.False(t, apperr.IsInfrastructure(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeRuleStatus_WritesLogInSameTransaction(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE ai_rules SET status = ?")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("INSERT INTO rule_change_log")).WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectCommit()

	err := client.ChangeRuleStatus(context.Background(), storage.StatusChange{
		RuleID: "r1",
		From:   models.StatusPendingReview,
		To:     models.StatusActive,
		Log:    models.RuleChangeLog{Action: models.ActionActivated, ChangedBy: "admin"},
		At:     time.Now(),
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceClusters_FailureRollsBack(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM knowledge_clusters WHERE cluster_type = ?")).
		WithArgs("industry_pattern").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(q("INSERT INTO knowledge_clusters")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q("INSERT INTO knowledge_clusters")).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	clusters := []models.Cluster{
		{Type: models.ClusterIndustry, Key: "餐饮", LastUpdated: time.Now()},
		{Type: models.ClusterIndustry, Key: "服装", LastUpdated: time.Now()},
	}
	err := client.ReplaceClusters(context.Background(), models.ClusterIndustry, clusters)

	assert.ErrorIs(t, err, apperr.ErrStore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRule_NotFound(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectQuery(q("FROM ai_rules WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := client.GetRule(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExperiment_TerminalRowRejected(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectExec(q("UPDATE exploration_experiments SET status = ?")).WillReturnResult(sqlmock.NewResult(0, 0))
	cols := []string{"id", "experiment_name", "rule_id", "hypothesis", "status", "variant_a", "variant_b",
		"sample_a", "sample_b", "result_a", "result_b", "winner", "started_at", "ended_at"}
	mock.ExpectQuery(q("FROM exploration_experiments WHERE id = ?")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("e1", "exp", nil, "h", "completed", "{}", "{}", 20, 20,
			"{}", "{}", "a", time.Now().Unix(), time.Now().Unix()))

	err := client.UpdateExperiment(context.Background(), &models.Experiment{ID: "e1", Status: models.ExperimentAborted})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExperiment_CompletedCanBeMarkedFailed(t *testing.T) {
	client, mock := newMock(t)

	mock.ExpectExec(q("WHERE id = ? AND (status = 'running' OR (status = 'completed' AND ? = 'failed'))")).
		WithArgs(models.ExperimentFailed, 20, 20, sqlmock.AnyArg(), sqlmock.AnyArg(), "a", sqlmock.AnyArg(), "e1", models.ExperimentFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	winner := models.WinnerA
	ended := time.Now()
	err := client.UpdateExperiment(context.Background(), &models.Experiment{
		ID: "e1", Status: models.ExperimentFailed, SampleA: 20, SampleB: 20, Winner: &winner, EndedAt: &ended,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureDir_CreatesParentDirectories(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "data", "nested", "evolution.db")

	require.NoError(t, ensureDir(path))
	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, ensureDir(path))
	require.NoError(t, ensureDir(":memory:"))
	require.NoError(t, ensureDir("file:test.db?mode=memory"))
}
