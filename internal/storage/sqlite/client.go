package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/storage"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

type Client struct {
	db *sql.DB
}

var _ storage.Store = (*Client)(nil)

func NewClient(dbPath string) (*Client, error) {
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// sqlite serialises writers anyway; one connection keeps BEGIN IMMEDIATE semantics simple.
	db.SetMaxOpenConns(1)

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

// ensureDir creates the directory holding a file database. In-memory and
// URI style paths are left to the driver.
func ensureDir(dbPath string) error {
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file:") {
		return nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// NewWithDB wraps an already opened handle. Used with sqlmock in tests.
func NewWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ai_rules (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		rule_key TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		rule_content TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		effectiveness_score REAL NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		parent_id TEXT,
		review_score REAL,
		review_decision TEXT,
		reviewed_at INTEGER,
		last_evaluated_at INTEGER,
		below_threshold_since INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (category, rule_key, version)
	);
	CREATE INDEX IF NOT EXISTS idx_rules_status ON ai_rules(status, category);

	CREATE TABLE IF NOT EXISTS rule_change_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT NOT NULL,
		action TEXT NOT NULL,
		old_content TEXT,
		new_content TEXT,
		reason TEXT,
		changed_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (rule_id) REFERENCES ai_rules(id)
	);
	CREATE INDEX IF NOT EXISTS idx_change_log_rule ON rule_change_log(rule_id);
	CREATE INDEX IF NOT EXISTS idx_change_log_created ON rule_change_log(created_at);

	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		user_id TEXT,
		industry TEXT,
		problem_type TEXT,
		messages TEXT NOT NULL,
		fields TEXT,
		field_order TEXT,
		active_rule_ids TEXT,
		experiments TEXT,
		message_count INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		analyzed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_pending ON conversations(analyzed_at, ended_at);

	CREATE TABLE IF NOT EXISTS conversation_analyses (
		id TEXT PRIMARY KEY,
		session_id TEXT UNIQUE NOT NULL,
		user_id TEXT,
		industry TEXT,
		problem_type TEXT,
		total_turns INTEGER NOT NULL,
		collection_turns INTEGER NOT NULL,
		fields_collected TEXT,
		fields_skipped TEXT,
		fields_refused TEXT,
		completion_rate REAL NOT NULL,
		professionalism_score REAL,
		appeal_success_rate REAL,
		user_satisfaction REAL,
		response_quality REAL,
		user_sentiment TEXT,
		drop_off_point TEXT,
		collection_efficiency REAL,
		sentiment_trajectory TEXT,
		suggestions TEXT,
		raw_analysis TEXT,
		active_rule_ids TEXT,
		degraded INTEGER NOT NULL DEFAULT 0,
		analyzed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_analyzed ON conversation_analyses(analyzed_at);

	CREATE TABLE IF NOT EXISTS conversation_tags (
		session_id TEXT PRIMARY KEY,
		analysis_id TEXT,
		difficulty TEXT,
		user_type TEXT,
		quality_score REAL,
		outcome TEXT,
		tags TEXT,
		industry_cluster TEXT,
		violation_cluster TEXT,
		pattern_flags TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS knowledge_clusters (
		cluster_type TEXT NOT NULL,
		cluster_key TEXT NOT NULL,
		cluster_name TEXT,
		insight_data TEXT NOT NULL,
		sample_count INTEGER NOT NULL,
		confidence REAL NOT NULL,
		last_updated INTEGER NOT NULL,
		UNIQUE (cluster_type, cluster_key)
	);

	CREATE TABLE IF NOT EXISTS learning_metrics (
		metric_date TEXT PRIMARY KEY,
		total_conversations INTEGER NOT NULL,
		avg_collection_turns REAL,
		avg_completion_rate REAL,
		avg_user_satisfaction REAL,
		avg_professionalism REAL,
		avg_appeal_success REAL,
		completion_count INTEGER,
		drop_off_count INTEGER,
		top_drop_off_fields TEXT,
		top_improvements TEXT,
		rules_generated INTEGER,
		rules_promoted INTEGER,
		product_recommendation_count INTEGER
	);

	CREATE TABLE IF NOT EXISTS exploration_experiments (
		id TEXT PRIMARY KEY,
		experiment_name TEXT NOT NULL,
		rule_id TEXT,
		hypothesis TEXT,
		status TEXT NOT NULL,
		variant_a TEXT NOT NULL,
		variant_b TEXT NOT NULL,
		sample_a INTEGER NOT NULL DEFAULT 0,
		sample_b INTEGER NOT NULL DEFAULT 0,
		result_a TEXT,
		result_b TEXT,
		winner TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_experiments_status ON exploration_experiments(status);

	CREATE TABLE IF NOT EXISTS engine_health (
		component TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		error_count INTEGER NOT NULL,
		success_count INTEGER NOT NULL,
		last_error TEXT,
		last_success_at INTEGER,
		last_error_at INTEGER,
		circuit_opened_at INTEGER,
		metadata TEXT
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

func fromJSON(raw sql.NullString, v any) {
	if !raw.Valid || raw.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw.String), v)
}

func unixPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
