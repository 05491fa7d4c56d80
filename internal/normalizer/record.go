// Package normalizer converts provider-native cost records into the
// canonical schema shared by the store, the feed builders and the tests.
package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedRecord reports a provider record that cannot be coerced into
// the canonical shape (non-numeric or negative amounts, inverted interval).
var ErrMalformedRecord = errors.New("malformed provider record")

// Dimension is the axis along which the billing provider groups cost data.
type Dimension string

const (
	DimensionService   Dimension = "SERVICE"
	DimensionRegion    Dimension = "REGION"
	DimensionUsageType Dimension = "USAGE_TYPE"
	DimensionTag       Dimension = "TAG"
)

// ParseDimension parses a dimension name, case-insensitively.
func ParseDimension(s string) (Dimension, error) {
	switch Dimension(strings.ToUpper(strings.TrimSpace(s))) {
	case DimensionService:
		return DimensionService, nil
	case DimensionRegion:
		return DimensionRegion, nil
	case DimensionUsageType:
		return DimensionUsageType, nil
	case DimensionTag:
		return DimensionTag, nil
	}
	return "", fmt.Errorf("unknown dimension %q", s)
}

// DateRangeType is the billing time-bucket width a CostRecord represents.
type DateRangeType string

const (
	RangeHourly  DateRangeType = "HOURLY"
	RangeDaily   DateRangeType = "DAILY"
	RangeMonthly DateRangeType = "MONTHLY"
)

// ParseDateRangeType parses a granularity name, case-insensitively.
func ParseDateRangeType(s string) (DateRangeType, error) {
	switch DateRangeType(strings.ToUpper(strings.TrimSpace(s))) {
	case RangeHourly:
		return RangeHourly, nil
	case RangeDaily:
		return RangeDaily, nil
	case RangeMonthly:
		return RangeMonthly, nil
	}
	return "", fmt.Errorf("unknown date range type %q", s)
}

// Matches reports whether the interval width is plausible for the range type.
func (t DateRangeType) Matches(start, end time.Time) bool {
	span := end.Sub(start)
	switch t {
	case RangeHourly:
		return span == time.Hour
	case RangeDaily:
		return span == 24*time.Hour
	case RangeMonthly:
		return span >= 28*24*time.Hour && span <= 31*24*time.Hour
	}
	return false
}

// ServiceNameAll marks rows grouped along a non-service dimension, where the
// provider reports totals across every service.
const ServiceNameAll = "ALL"

// CostRecord is the canonical unit of ingested cost data. Optional fields
// are nil when the provider did not report them, never the empty string.
type CostRecord struct {
	AccountID     string
	ServiceName   string
	Region        *string
	UsageType     *string
	ResourceID    *string
	Cost          decimal.Decimal
	UsageQuantity *decimal.Decimal
	StartDate     time.Time
	EndDate       time.Time
	DateRangeType DateRangeType
	Currency      string
}

// NewCostRecord builds a validated canonical record.
func NewCostRecord(accountID, serviceName string, cost decimal.Decimal, start, end time.Time, rangeType DateRangeType) (CostRecord, error) {
	if accountID == "" || serviceName == "" {
		return CostRecord{}, fmt.Errorf("%w: missing account or service", ErrMalformedRecord)
	}
	if !start.Before(end) {
		return CostRecord{}, fmt.Errorf("%w: start %s not before end %s", ErrMalformedRecord,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if cost.IsNegative() {
		return CostRecord{}, fmt.Errorf("%w: negative cost %s", ErrMalformedRecord, cost)
	}
	if !rangeType.Matches(start, end) {
		return CostRecord{}, fmt.Errorf("%w: interval %s..%s does not match %s granularity",
			ErrMalformedRecord, start.Format("2006-01-02"), end.Format("2006-01-02"), rangeType)
	}
	return CostRecord{
		AccountID:     accountID,
		ServiceName:   serviceName,
		Cost:          cost.Truncate(costPrecision),
		StartDate:     start.UTC(),
		EndDate:       end.UTC(),
		DateRangeType: rangeType,
		Currency:      "USD",
	}, nil
}

// costPrecision is the fixed number of fractional digits kept on amounts.
const costPrecision = 6

// NaturalKey returns the canonical string identifying this record regardless
// of surrogate row identity. Absent optionals are encoded distinctly from
// empty values so they can never collide.
func (r CostRecord) NaturalKey() string {
	return strings.Join([]string{
		r.AccountID,
		r.ServiceName,
		keyPart(r.Region),
		keyPart(r.UsageType),
		keyPart(r.ResourceID),
		r.StartDate.UTC().Format(time.RFC3339),
		r.EndDate.UTC().Format(time.RFC3339),
		string(r.DateRangeType),
	}, "|")
}

func keyPart(s *string) string {
	if s == nil {
		return "\x00"
	}
	return *s
}

// StrPtr returns a pointer to s, or nil when s is empty. Provider responses
// use empty strings for unset fields; the canonical shape does not.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
