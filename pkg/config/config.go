package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	LLM         LLMConfig
	Logging     LoggingConfig
	Health      HealthConfig
	Analysis    AnalysisConfig
	Rules       RulesConfig
	Knowledge   KnowledgeConfig
	Exploration ExplorationConfig
	Scheduler   SchedulerConfig
}

type ServerConfig struct {
	Host                 string
	Port                 int
	ReadTimeout          int
	WriteTimeout         int
	BodyLimit            int
	MaxRequestsPerMinute int
	IsDevelopment        bool
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider          string
	Model             string
	APIKey            string
	BaseURL           string
	Temperature       float32
	MaxTokens         int
	TimeoutSec        int
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type HealthConfig struct {
	DegradedThreshold int
	CircuitThreshold  int
	CoolDownSec       int
}

type AnalysisConfig struct {
	BatchSize      int
	MinMessages    int
	ExpectedFields []string
}

type RulesConfig struct {
	ApproveThreshold     float64
	RejectThreshold      float64
	DemoteThreshold      float64
	DemoteWindowHours    int
	MinUsageForDemotion  int
	CategoryCap          int
	CacheTTLSec          int
	CompletionWeight     float64
	SatisfactionWeight   float64
	LiftScale            float64
	EvaluationWindowDays int
}

type KnowledgeConfig struct {
	TargetSampleSize int
	WindowDays       int
	TopN             int
}

type ExplorationConfig struct {
	MinSample        int
	Margin           float64
	MaxConcurrent    int
	MaxDurationHours int
}

type SchedulerConfig struct {
	Enabled         bool
	BatchAnalysis   string
	Evaluation      string
	DailyAggregate  string
	ExplorationSpec string
}

func (c HealthConfig) CoolDown() time.Duration {
	return time.Duration(c.CoolDownSec) * time.Second
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads path when given, otherwise searches the default locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/appeal-evolution")
	}

	v.SetEnvPrefix("EVOLUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Rules.RejectThreshold >= c.Rules.ApproveThreshold {
		return fmt.Errorf("invalid config: rules.rejectThreshold (%.1f) must be below rules.approveThreshold (%.1f)",
			c.Rules.RejectThreshold, c.Rules.ApproveThreshold)
	}
	if c.Health.CircuitThreshold <= 0 {
		return fmt.Errorf("invalid config: health.circuitThreshold must be positive")
	}
	if c.Exploration.MinSample <= 0 {
		return fmt.Errorf("invalid config: exploration.minSample must be positive")
	}
	if c.Knowledge.TargetSampleSize <= 0 {
		return fmt.Errorf("invalid config: knowledge.targetSampleSize must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.maxRequestsPerMinute", 120)
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("sqlite.path", "./data/evolution.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 2048)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.requestsPerMinute", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("health.degradedThreshold", 1)
	v.SetDefault("health.circuitThreshold", 3)
	v.SetDefault("health.coolDownSec", 300)

	v.SetDefault("analysis.batchSize", 20)
	v.SetDefault("analysis.minMessages", 3)
	v.SetDefault("analysis.expectedFields", []string{})

	v.SetDefault("rules.approveThreshold", 80)
	v.SetDefault("rules.rejectThreshold", 40)
	v.SetDefault("rules.demoteThreshold", 30)
	v.SetDefault("rules.demoteWindowHours", 72)
	v.SetDefault("rules.minUsageForDemotion", 20)
	v.SetDefault("rules.categoryCap", 10)
	v.SetDefault("rules.cacheTTLSec", 300)
	v.SetDefault("rules.completionWeight", 0.6)
	v.SetDefault("rules.satisfactionWeight", 0.4)
	v.SetDefault("rules.liftScale", 2.5)
	v.SetDefault("rules.evaluationWindowDays", 14)

	v.SetDefault("knowledge.targetSampleSize", 30)
	v.SetDefault("knowledge.windowDays", 30)
	v.SetDefault("knowledge.topN", 5)

	v.SetDefault("exploration.minSample", 20)
	v.SetDefault("exploration.margin", 5.0)
	v.SetDefault("exploration.maxConcurrent", 3)
	v.SetDefault("exploration.maxDurationHours", 336)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.batchAnalysis", "@every 5m")
	v.SetDefault("scheduler.evaluation", "@every 6h")
	v.SetDefault("scheduler.dailyAggregate", "10 0 * * *")
	v.SetDefault("scheduler.explorationSpec", "@every 4h")
}
