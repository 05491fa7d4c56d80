// Package config provides configuration management for the FinOps dashboard.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration. It is built once at process start and
// never mutated afterwards; components receive it (or a sub-section) in
// their constructors.
type Config struct {
	AWS        AWSConfig        `yaml:"aws"`
	Database   DatabaseConfig   `yaml:"database"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Forecast   ForecastConfig   `yaml:"forecast"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Chargeback ChargebackConfig `yaml:"chargeback"`
	Reporter   ReporterConfig   `yaml:"reporter"`
	LLM        LLMConfig        `yaml:"llm"`
	LogLevel   string           `yaml:"log_level"`
}

// AWSConfig holds AWS Cost Explorer configuration
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	RoleARN         string `yaml:"role_arn"`
	AccountID       string `yaml:"account_id"` // resolved via STS when empty
	GroupTagKey     string `yaml:"group_tag_key"`
}

// DatabaseConfig holds relational store configuration
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	ReadOnlyRole string `yaml:"read_only_role"`
}

// DSN builds the postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// PipelineConfig bounds ingestion behavior
type PipelineConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	MaxDailyWindow   int           `yaml:"max_daily_window_days"`
	MaxMonthlyWindow int           `yaml:"max_monthly_window_months"`
	Dimensions       []string      `yaml:"dimensions"`
}

// ForecastConfig configures provider forecast ingestion
type ForecastConfig struct {
	ModelVersion string `yaml:"model_version"`
	HorizonDays  int    `yaml:"horizon_days"`
}

// AnomalyConfig tunes baseline spend deviation detection
type AnomalyConfig struct {
	Sensitivity   string  `yaml:"sensitivity"` // low, medium, high
	BaselineDays  int     `yaml:"baseline_days"`
	RecentDays    int     `yaml:"recent_days"`
	MinDailySpend float64 `yaml:"min_daily_spend"`
}

// SharedCostRule assigns a fixed percentage of untagged spend to a cost
// center.
type SharedCostRule struct {
	CostCenter string  `yaml:"cost_center"`
	Percent    float64 `yaml:"percent"`
}

// ChargebackConfig controls how untagged spend is distributed
type ChargebackConfig struct {
	UntaggedPool string           `yaml:"untagged_pool"`
	SharedSplit  []SharedCostRule `yaml:"shared_split"`
}

// ReporterConfig controls report file output
type ReporterConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// LLMConfig names the default text-generation backend; the adapters
// themselves live outside this repository.
type LLMConfig struct {
	Preferred string `yaml:"preferred"` // local, azure_openai, github_openai
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, for use when
// no config file is given and everything comes from the environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.AWS.Region == "" {
		c.AWS.Region = envOr("AWS_DEFAULT_REGION", "us-west-2")
	}
	if c.AWS.AccessKeyID == "" {
		c.AWS.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.AWS.SecretAccessKey == "" {
		c.AWS.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.AWS.AccountID == "" {
		c.AWS.AccountID = os.Getenv("AWS_ACCOUNT_ID")
	}
	if c.AWS.GroupTagKey == "" {
		c.AWS.GroupTagKey = "cost_center"
	}

	if c.Database.Host == "" {
		c.Database.Host = envOr("POSTGRES_HOST", "localhost")
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = envOr("POSTGRES_USER", "postgres")
	}
	if c.Database.Password == "" {
		c.Database.Password = envOr("POSTGRES_PASSWORD", "postgres")
	}
	if c.Database.Name == "" {
		c.Database.Name = envOr("POSTGRES_DB", "finops")
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 5
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}

	if c.Pipeline.MaxRetries == 0 {
		c.Pipeline.MaxRetries = 5
	}
	if c.Pipeline.InitialBackoff == 0 {
		c.Pipeline.InitialBackoff = 500 * time.Millisecond
	}
	if c.Pipeline.FetchTimeout == 0 {
		c.Pipeline.FetchTimeout = 2 * time.Minute
	}
	if c.Pipeline.MaxDailyWindow == 0 {
		c.Pipeline.MaxDailyWindow = 366
	}
	if c.Pipeline.MaxMonthlyWindow == 0 {
		c.Pipeline.MaxMonthlyWindow = 38
	}
	if len(c.Pipeline.Dimensions) == 0 {
		c.Pipeline.Dimensions = []string{"SERVICE", "REGION", "USAGE_TYPE"}
	}

	if c.Forecast.ModelVersion == "" {
		c.Forecast.ModelVersion = "ce-forecast-v1"
	}
	if c.Forecast.HorizonDays == 0 {
		c.Forecast.HorizonDays = 30
	}

	if c.Anomaly.Sensitivity == "" {
		c.Anomaly.Sensitivity = "medium"
	}
	if c.Anomaly.BaselineDays == 0 {
		c.Anomaly.BaselineDays = 30
	}
	if c.Anomaly.RecentDays == 0 {
		c.Anomaly.RecentDays = 7
	}
	if c.Anomaly.MinDailySpend == 0 {
		c.Anomaly.MinDailySpend = 1.0
	}

	if c.Chargeback.UntaggedPool == "" {
		c.Chargeback.UntaggedPool = "unallocated"
	}

	if c.Reporter.OutputDir == "" {
		c.Reporter.OutputDir = "./reports"
	}

	if c.LLM.Preferred == "" {
		c.LLM.Preferred = "local"
	}
	if c.LogLevel == "" {
		c.LogLevel = envOr("LOG_LEVEL", "info")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
