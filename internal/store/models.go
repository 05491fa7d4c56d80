package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Recommendation lifecycle states. Rows are created open and only ever
// advanced by explicit UI action; re-ingestion never reopens them.
const (
	StatusOpen        = "open"
	StatusImplemented = "implemented"
	StatusDismissed   = "dismissed"
)

// costRow is the persisted form of a canonical cost record. natural_key is
// a deterministic encoding of the identifying tuple; a unique index on it
// enforces the upsert contract even though region/usage_type/resource_id
// are nullable (NULLs never compare equal inside a composite SQL index).
type costRow struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey"`
	NaturalKey    string           `gorm:"size:700;uniqueIndex;not null"`
	AccountID     string           `gorm:"size:50;index;not null"`
	ServiceName   string           `gorm:"size:100;index;not null"`
	Region        *string          `gorm:"size:50"`
	UsageType     *string          `gorm:"size:200"`
	ResourceID    *string          `gorm:"size:200"`
	Cost          decimal.Decimal  `gorm:"type:decimal(20,6);not null"`
	UsageQuantity *decimal.Decimal `gorm:"type:decimal(20,6)"`
	StartDate     time.Time        `gorm:"index:idx_cost_window,priority:1;not null"`
	EndDate       time.Time        `gorm:"index:idx_cost_window,priority:2;not null"`
	DateRangeType string           `gorm:"size:20;not null"`
	Currency      string           `gorm:"size:10;not null;default:USD"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (costRow) TableName() string { return "cost_records" }

// ForecastPoint is one predicted cost for a future date. Natural key is
// (account, service, date, model version); older model versions are kept
// for audit rather than overwritten.
type ForecastPoint struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AccountID       string          `gorm:"size:50;index;uniqueIndex:idx_forecast_key,priority:1;not null"`
	ServiceName     string          `gorm:"size:100;index;uniqueIndex:idx_forecast_key,priority:2;not null"`
	ForecastDate    time.Time       `gorm:"index;uniqueIndex:idx_forecast_key,priority:3;not null"`
	ForecastedCost  decimal.Decimal `gorm:"type:decimal(20,6);not null"`
	ConfidenceLevel float64
	ModelVersion    string    `gorm:"size:100;uniqueIndex:idx_forecast_key,priority:4;not null"`
	CreatedAt       time.Time
}

func (ForecastPoint) TableName() string { return "cost_forecasts" }

// Recommendation is a persisted cost optimization suggestion.
type Recommendation struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	NaturalKey       string          `gorm:"size:500;uniqueIndex;not null"`
	AccountID        string          `gorm:"size:50;index;not null"`
	ResourceID       *string         `gorm:"size:200"`
	ServiceName      string          `gorm:"size:100;not null"`
	Type             string          `gorm:"column:recommendation_type;size:100;not null"`
	Description      string          `gorm:"type:text;not null"`
	PotentialSavings decimal.Decimal `gorm:"type:decimal(20,6)"`
	Status           string          `gorm:"size:20;not null;default:open"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Recommendation) TableName() string { return "cost_recommendations" }

// UserSettings is the per-user preference singleton, upserted wholesale.
type UserSettings struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey"`
	UserID           string         `gorm:"size:100;uniqueIndex;not null"`
	PreferredLLM     string         `gorm:"column:preferred_llm;size:50;not null;default:local"`
	BudgetAlerts     datatypes.JSON `gorm:"column:budget_alerts"`
	CustomDashboards datatypes.JSON `gorm:"column:custom_dashboards"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (UserSettings) TableName() string { return "user_settings" }

// ChatMessage is one exchange with a text-generation backend, kept so the
// adapters can rebuild conversational context.
type ChatMessage struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID         uuid.UUID `gorm:"type:uuid;index;not null"`
	UserQuery         string    `gorm:"type:text;not null"`
	AssistantResponse string    `gorm:"type:text;not null"`
	LLMModel          string    `gorm:"column:llm_model;size:100"`
	TokensUsed        int
	CreatedAt         time.Time
}

func (ChatMessage) TableName() string { return "chat_history" }
