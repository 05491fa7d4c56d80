package normalizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RawRecord is one grouped line of a provider cost-and-usage response,
// flattened out of the SDK response types by the billing client. Amounts
// stay as the provider's strings until normalization coerces them.
type RawRecord struct {
	Keys      []string
	Start     time.Time
	End       time.Time
	Cost      string
	CostUnit  string
	Usage     string
	UsageUnit string
}

// Normalizer maps raw provider records into canonical CostRecords.
type Normalizer struct {
	accountID string
	logger    *zap.Logger
}

// New creates a Normalizer stamping records with the given account ID.
func New(accountID string, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{accountID: accountID, logger: logger}
}

// Normalize converts raw records grouped along dim into canonical records.
// Records colliding on the natural key within one call are merged by summing
// cost and usage quantity, guarding against provider double-reporting.
//
// A single uncoercible record rejects the whole response: sibling dimension
// fetches already persisted are unaffected, but a partially-normalized
// response is never returned.
func (n *Normalizer) Normalize(dim Dimension, raw []RawRecord, rangeType DateRangeType) ([]CostRecord, error) {
	out := make([]CostRecord, 0, len(raw))
	byKey := make(map[string]int, len(raw))

	for i, rr := range raw {
		rec, err := n.normalizeOne(dim, rr, rangeType)
		if err != nil {
			n.logger.Warn("rejecting provider response",
				zap.String("dimension", string(dim)),
				zap.Int("record", i),
				zap.Error(err))
			return nil, err
		}

		key := rec.NaturalKey()
		if j, ok := byKey[key]; ok {
			out[j].Cost = out[j].Cost.Add(rec.Cost).Truncate(costPrecision)
			out[j].UsageQuantity = addQuantity(out[j].UsageQuantity, rec.UsageQuantity)
			continue
		}
		byKey[key] = len(out)
		out = append(out, rec)
	}

	return out, nil
}

func (n *Normalizer) normalizeOne(dim Dimension, rr RawRecord, rangeType DateRangeType) (CostRecord, error) {
	cost, err := parseAmount(rr.Cost)
	if err != nil {
		return CostRecord{}, fmt.Errorf("%w: cost %q", ErrMalformedRecord, rr.Cost)
	}
	if cost.IsNegative() {
		return CostRecord{}, fmt.Errorf("%w: negative cost %q", ErrMalformedRecord, rr.Cost)
	}

	service := ServiceNameAll
	var region, usageType *string

	switch dim {
	case DimensionService:
		if len(rr.Keys) > 0 {
			service = rr.Keys[0]
		}
	case DimensionRegion:
		if len(rr.Keys) > 0 {
			region = normalizeRegion(rr.Keys[0])
		}
	case DimensionUsageType:
		if len(rr.Keys) > 0 {
			service = rr.Keys[0]
		}
		if len(rr.Keys) > 1 {
			usageType = StrPtr(rr.Keys[1])
		}
	case DimensionTag:
		if len(rr.Keys) > 0 {
			usageType = StrPtr(rr.Keys[0])
		}
	default:
		return CostRecord{}, fmt.Errorf("%w: unknown dimension %q", ErrMalformedRecord, dim)
	}
	if service == "" {
		service = ServiceNameAll
	}

	rec, err := NewCostRecord(n.accountID, service, cost, rr.Start, rr.End, rangeType)
	if err != nil {
		return CostRecord{}, err
	}
	rec.Region = region
	rec.UsageType = usageType

	if rr.Usage != "" {
		usage, err := parseAmount(rr.Usage)
		if err != nil {
			return CostRecord{}, fmt.Errorf("%w: usage quantity %q", ErrMalformedRecord, rr.Usage)
		}
		if usage.IsNegative() {
			return CostRecord{}, fmt.Errorf("%w: negative usage quantity %q", ErrMalformedRecord, rr.Usage)
		}
		u := usage.Truncate(costPrecision)
		rec.UsageQuantity = &u
	}

	if rr.CostUnit != "" {
		rec.Currency = rr.CostUnit
	}

	return rec, nil
}

// parseAmount coerces a provider amount string to a fixed-precision decimal.
// Decimal parsing keeps every digit the provider sent; float round-trips do
// not, and the truncation to six fractional digits happens once, here.
func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return d.Truncate(costPrecision), nil
}

func addQuantity(a, b *decimal.Decimal) *decimal.Decimal {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	sum := a.Add(*b).Truncate(costPrecision)
	return &sum
}

// normalizeRegion maps the provider's global-service markers to an absent
// region rather than storing a sentinel string.
func normalizeRegion(s string) *string {
	switch s {
	case "", "NoRegion", "global":
		return nil
	}
	return &s
}
