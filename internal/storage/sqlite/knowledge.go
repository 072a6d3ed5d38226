package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const upsertClusterSQL = `
	INSERT INTO knowledge_clusters (cluster_type, cluster_key, cluster_name, insight_data, sample_count, confidence, last_updated)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(cluster_type, cluster_key) DO UPDATE SET
		cluster_name = excluded.cluster_name,
		insight_data = excluded.insight_data,
		sample_count = excluded.sample_count,
		confidence = excluded.confidence,
		last_updated = excluded.last_updated`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertCluster(ctx context.Context, ex execer, cl *models.Cluster) error {
	_, err := ex.ExecContext(ctx, upsertClusterSQL,
		cl.Type, cl.Key, cl.Name, toJSON(cl.Insight), cl.SampleCount, cl.Confidence, cl.LastUpdated.Unix())
	return err
}

func scanCluster(row rowScanner) (*models.Cluster, error) {
	var (
		cl          models.Cluster
		name        sql.NullString
		insight     sql.NullString
		lastUpdated int64
	)
	if err := row.Scan(&cl.Type, &cl.Key, &name, &insight, &cl.SampleCount, &cl.Confidence, &lastUpdated); err != nil {
		return nil, err
	}
	cl.Name = name.String
	fromJSON(insight, &cl.Insight)
	cl.LastUpdated = time.Unix(lastUpdated, 0)
	return &cl, nil
}

const clusterColumns = `cluster_type, cluster_key, cluster_name, insight_data, sample_count, confidence, last_updated`

func (c *Client) GetCluster(ctx context.Context, clusterType models.ClusterType, key string) (*models.Cluster, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM knowledge_clusters WHERE cluster_type = ? AND cluster_key = ?`, clusterType, key)
	cl, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("cluster", string(clusterType)+"/"+key)
	}
	if err != nil {
		return nil, apperr.Store("get cluster", err)
	}
	return cl, nil
}

func (c *Client) UpsertCluster(ctx context.Context, cluster *models.Cluster) error {
	return apperr.Store("upsert cluster", upsertCluster(ctx, c.db, cluster))
}

func (c *Client) ReplaceClusters(ctx context.Context, clusterType models.ClusterType, clusters []models.Cluster) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_clusters WHERE cluster_type = ?`, clusterType); err != nil {
			return fmt.Errorf("failed to clear clusters: %w", err)
		}
		for i := range clusters {
			if err := upsertCluster(ctx, tx, &clusters[i]); err != nil {
				return fmt.Errorf("failed to insert cluster %s: %w", clusters[i].Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return apperr.Store("replace clusters", err)
	}

	logger.Debug("Clusters replaced",
		zap.String("cluster_type", string(clusterType)),
		zap.Int("count", len(clusters)),
	)
	return nil
}

func (c *Client) ListClusters(ctx context.Context, clusterType models.ClusterType) ([]models.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM knowledge_clusters`
	var args []any
	if clusterType != "" {
		query += " WHERE cluster_type = ?"
		args = append(args, clusterType)
	}
	query += " ORDER BY cluster_type, cluster_key"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store("list clusters", err)
	}
	defer rows.Close()

	var out []models.Cluster
	for rows.Next() {
		cl, err := scanCluster(rows)
		if err != nil {
			return nil, apperr.Store("scan cluster", err)
		}
		out = append(out, *cl)
	}
	return out, apperr.Store("list clusters", rows.Err())
}

func (c *Client) UpsertLearningMetric(ctx context.Context, m *models.LearningMetric) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO learning_metrics (metric_date, total_conversations, avg_collection_turns, avg_completion_rate,
			avg_user_satisfaction, avg_professionalism, avg_appeal_success, completion_count, drop_off_count,
			top_drop_off_fields, top_improvements, rules_generated, rules_promoted, product_recommendation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(metric_date) DO UPDATE SET
			total_conversations = excluded.total_conversations,
			avg_collection_turns = excluded.avg_collection_turns,
			avg_completion_rate = excluded.avg_completion_rate,
			avg_user_satisfaction = excluded.avg_user_satisfaction,
			avg_professionalism = excluded.avg_professionalism,
			avg_appeal_success = excluded.avg_appeal_success,
			completion_count = excluded.completion_count,
			drop_off_count = excluded.drop_off_count,
			top_drop_off_fields = excluded.top_drop_off_fields,
			top_improvements = excluded.top_improvements,
			rules_generated = excluded.rules_generated,
			rules_promoted = excluded.rules_promoted,
			product_recommendation_count = excluded.product_recommendation_count`,
		m.MetricDate, m.TotalConversations, m.AvgCollectionTurns, m.AvgCompletionRate, m.AvgUserSatisfaction,
		m.AvgProfessionalism, m.AvgAppealSuccess, m.CompletionCount, m.DropOffCount, toJSON(m.TopDropOffFields),
		toJSON(m.TopImprovements), m.RulesGenerated, m.RulesPromoted, m.ProductRecommendationCount,
	)
	return apperr.Store("upsert learning metric", err)
}

const metricColumns = `metric_date, total_conversations, avg_collection_turns, avg_completion_rate,
	avg_user_satisfaction, avg_professionalism, avg_appeal_success, completion_count, drop_off_count,
	top_drop_off_fields, top_improvements, rules_generated, rules_promoted, product_recommendation_count`

func scanMetric(row rowScanner) (*models.LearningMetric, error) {
	var (
		m               models.LearningMetric
		dropOff, improv sql.NullString
	)
	err := row.Scan(&m.MetricDate, &m.TotalConversations, &m.AvgCollectionTurns, &m.AvgCompletionRate,
		&m.AvgUserSatisfaction, &m.AvgProfessionalism, &m.AvgAppealSuccess, &m.CompletionCount, &m.DropOffCount,
		&dropOff, &improv, &m.RulesGenerated, &m.RulesPromoted, &m.ProductRecommendationCount)
	if err != nil {
		return nil, err
	}
	fromJSON(dropOff, &m.TopDropOffFields)
	fromJSON(improv, &m.TopImprovements)
	return &m, nil
}

func (c *Client) GetLearningMetric(ctx context.Context, date string) (*models.LearningMetric, error) {
	m, err := scanMetric(c.db.QueryRowContext(ctx, `SELECT `+metricColumns+` FROM learning_metrics WHERE metric_date = ?`, date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("learning metric", date)
	}
	if err != nil {
		return nil, apperr.Store("get learning metric", err)
	}
	return m, nil
}

func (c *Client) ListLearningMetrics(ctx context.Context, fromDate, toDate string) ([]models.LearningMetric, error) {
	if toDate == "" {
		toDate = "9999-12-31"
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+metricColumns+` FROM learning_metrics WHERE metric_date >= ? AND metric_date <= ? ORDER BY metric_date`,
		fromDate, toDate)
	if err != nil {
		return nil, apperr.Store("list learning metrics", err)
	}
	defer rows.Close()

	var out []models.LearningMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, apperr.Store("scan learning metric", err)
		}
		out = append(out, *m)
	}
	return out, apperr.Store("list learning metrics", rows.Err())
}
