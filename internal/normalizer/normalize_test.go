package normalizer

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func rawService(service, cost string) RawRecord {
	return RawRecord{
		Keys:  []string{service},
		Start: day("2025-06-01"),
		End:   day("2025-06-02"),
		Cost:  cost,
	}
}

func TestNormalizeServiceDimension(t *testing.T) {
	n := New("123456789012", nil)

	records, err := n.Normalize(DimensionService, []RawRecord{
		rawService("Amazon EC2", "10.50"),
		rawService("Amazon S3", "2.25"),
	}, RangeDaily)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "123456789012", records[0].AccountID)
	assert.Equal(t, "Amazon EC2", records[0].ServiceName)
	assert.True(t, records[0].Cost.Equal(decimal.RequireFromString("10.50")))
	assert.Nil(t, records[0].Region)
	assert.Nil(t, records[0].UsageType)
	assert.Nil(t, records[0].ResourceID)
	assert.Equal(t, RangeDaily, records[0].DateRangeType)
	assert.Equal(t, "USD", records[0].Currency)
}

func TestNormalizeDedupSumsCollidingRecords(t *testing.T) {
	n := New("123456789012", nil)

	records, err := n.Normalize(DimensionService, []RawRecord{
		rawService("Amazon EC2", "10.00"),
		rawService("Amazon EC2", "5.50"),
	}, RangeDaily)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Cost.Equal(decimal.RequireFromString("15.50")),
		"colliding records must sum, got %s", records[0].Cost)
}

func TestNormalizeDedupSumsUsageQuantity(t *testing.T) {
	n := New("123456789012", nil)

	a := rawService("Amazon EC2", "1.00")
	a.Usage = "24"
	b := rawService("Amazon EC2", "2.00")
	b.Usage = "12.5"

	records, err := n.Normalize(DimensionService, []RawRecord{a, b}, RangeDaily)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].UsageQuantity)
	assert.True(t, records[0].UsageQuantity.Equal(decimal.RequireFromString("36.5")))
}

func TestNormalizeTruncatesToSixFractionalDigits(t *testing.T) {
	n := New("123456789012", nil)

	records, err := n.Normalize(DimensionService, []RawRecord{
		rawService("Amazon EC2", "0.123456789"),
	}, RangeDaily)
	require.NoError(t, err)
	assert.Equal(t, "0.123456", records[0].Cost.String())
}

func TestNormalizeRejectsNonNumericCost(t *testing.T) {
	n := New("123456789012", nil)

	_, err := n.Normalize(DimensionService, []RawRecord{
		rawService("Amazon EC2", "10.00"),
		rawService("Amazon S3", "not-a-number"),
	}, RangeDaily)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestNormalizeRejectsNegativeCost(t *testing.T) {
	n := New("123456789012", nil)

	_, err := n.Normalize(DimensionService, []RawRecord{
		rawService("Amazon EC2", "-5.00"),
	}, RangeDaily)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestNormalizeRejectsGranularityMismatch(t *testing.T) {
	n := New("123456789012", nil)

	_, err := n.Normalize(DimensionService, []RawRecord{
		{
			Keys:  []string{"Amazon EC2"},
			Start: day("2025-06-01"),
			End:   day("2025-06-03"), // two days wide, claimed daily
			Cost:  "1.00",
		},
	}, RangeDaily)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestNormalizeRegionDimension(t *testing.T) {
	n := New("123456789012", nil)

	records, err := n.Normalize(DimensionRegion, []RawRecord{
		{Keys: []string{"us-east-1"}, Start: day("2025-06-01"), End: day("2025-06-02"), Cost: "3.00"},
		{Keys: []string{"NoRegion"}, Start: day("2025-06-01"), End: day("2025-06-02"), Cost: "1.00"},
	}, RangeDaily)
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NotNil(t, records[0].Region)
	assert.Equal(t, "us-east-1", *records[0].Region)
	assert.Equal(t, ServiceNameAll, records[0].ServiceName)

	assert.Nil(t, records[1].Region, "global services carry no region, never a sentinel string")
}

func TestNormalizeUsageTypeDimension(t *testing.T) {
	n := New("123456789012", nil)

	records, err := n.Normalize(DimensionUsageType, []RawRecord{
		{
			Keys:  []string{"Amazon EC2", "BoxUsage:t3.micro"},
			Start: day("2025-06-01"),
			End:   day("2025-06-02"),
			Cost:  "4.20",
			Usage: "24",
		},
	}, RangeDaily)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, "Amazon EC2", records[0].ServiceName)
	require.NotNil(t, records[0].UsageType)
	assert.Equal(t, "BoxUsage:t3.micro", *records[0].UsageType)
	require.NotNil(t, records[0].UsageQuantity)
	assert.True(t, records[0].UsageQuantity.Equal(decimal.NewFromInt(24)))
}

func TestNormalizeTagDimension(t *testing.T) {
	n := New("123456789012", nil)

	records, err := n.Normalize(DimensionTag, []RawRecord{
		{Keys: []string{"cost_center$platform"}, Start: day("2025-06-01"), End: day("2025-06-02"), Cost: "7.00"},
	}, RangeDaily)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NotNil(t, records[0].UsageType)
	assert.Equal(t, "cost_center$platform", *records[0].UsageType)
	assert.Equal(t, ServiceNameAll, records[0].ServiceName)
}

func TestNormalizeCurrencyFromProvider(t *testing.T) {
	n := New("123456789012", nil)

	rr := rawService("Amazon EC2", "10.00")
	rr.CostUnit = "EUR"

	records, err := n.Normalize(DimensionService, []RawRecord{rr}, RangeDaily)
	require.NoError(t, err)
	assert.Equal(t, "EUR", records[0].Currency)
}

func TestNaturalKeyDistinguishesAbsentFromEmpty(t *testing.T) {
	base, err := NewCostRecord("acct", "svc", decimal.Zero, day("2025-06-01"), day("2025-06-02"), RangeDaily)
	require.NoError(t, err)

	withEmpty := base
	empty := ""
	withEmpty.Region = &empty

	assert.NotEqual(t, base.NaturalKey(), withEmpty.NaturalKey())
}

func TestParseDimension(t *testing.T) {
	dim, err := ParseDimension("service")
	require.NoError(t, err)
	assert.Equal(t, DimensionService, dim)

	_, err = ParseDimension("COST_CATEGORY")
	assert.Error(t, err)
}
