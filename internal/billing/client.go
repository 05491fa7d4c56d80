// Package billing wraps the AWS Cost Explorer API behind the narrow query
// surface the ingestion pipeline needs: grouped cost-and-usage fetches,
// forecasts and account identity.
package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-dashboard/internal/config"
	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
)

// ErrInvalidRange reports a caller-supplied date range the provider would
// reject: inverted bounds or a span beyond the maximum query window. Never
// retried.
var ErrInvalidRange = errors.New("invalid date range")

// ErrUpstreamUnavailable reports that the billing provider stayed throttled
// or unreachable past the retry ceiling, or that the fetch latency bound
// expired. Transient; the user may retry.
var ErrUpstreamUnavailable = errors.New("billing provider unavailable")

// Cost Explorer rejects hourly queries older than two weeks.
const maxHourlyWindowDays = 14

// costExplorerAPI is the slice of the Cost Explorer client the billing
// client consumes; tests substitute a fake.
type costExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, in *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
	GetCostForecast(ctx context.Context, in *costexplorer.GetCostForecastInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostForecastOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Client retrieves cost data from AWS Cost Explorer.
type Client struct {
	ce     costExplorerAPI
	sts    stsAPI
	cfg    config.AWSConfig
	limits config.PipelineConfig
	logger *zap.Logger

	accountOnce sync.Once
	accountID   string
	accountErr  error
}

// NewClient creates a Cost Explorer client. Static credentials from the
// configuration take precedence; otherwise the default chain is used, and an
// optional role ARN is assumed on top of it.
func NewClient(ctx context.Context, cfg config.AWSConfig, limits config.PipelineConfig, logger *zap.Logger) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(awsCfg)
	if cfg.RoleARN != "" {
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
		stsClient = sts.NewFromConfig(awsCfg)
	}

	return newClient(costexplorer.NewFromConfig(awsCfg), stsClient, cfg, limits, logger), nil
}

func newClient(ce costExplorerAPI, stsClient stsAPI, cfg config.AWSConfig, limits config.PipelineConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{ce: ce, sts: stsClient, cfg: cfg, limits: limits, logger: logger}
}

// AccountID resolves the billed account: the configured value when present,
// otherwise the caller identity reported by STS. The result is cached for
// the lifetime of the client.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	if c.cfg.AccountID != "" {
		return c.cfg.AccountID, nil
	}
	c.accountOnce.Do(func() {
		out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			c.accountErr = fmt.Errorf("failed to resolve account: %w", err)
			return
		}
		c.accountID = aws.ToString(out.Account)
	})
	return c.accountID, c.accountErr
}

// Fetch retrieves cost records grouped along dim for [start, end) at the
// given granularity. All pages are concatenated into one logical response;
// a failure on any page discards the whole fetch so a silently truncated
// response can never be committed.
func (c *Client) Fetch(ctx context.Context, dim normalizer.Dimension, start, end time.Time, granularity normalizer.DateRangeType) ([]normalizer.RawRecord, error) {
	if err := c.validateRange(start, end, granularity); err != nil {
		return nil, err
	}

	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(start.Format("2006-01-02")),
			End:   aws.String(end.Format("2006-01-02")),
		},
		Granularity: toGranularity(granularity),
		Metrics:     []string{"UnblendedCost", "UsageQuantity"},
		GroupBy:     c.groupBy(dim),
	}

	var all []normalizer.RawRecord
	page := 0
	for {
		output, err := c.getCostAndUsage(ctx, input)
		if err != nil {
			return nil, err
		}
		page++

		all = append(all, flattenResults(output.ResultsByTime)...)

		if output.NextPageToken == nil {
			break
		}
		input.NextPageToken = output.NextPageToken
	}

	c.logger.Debug("cost fetch complete",
		zap.String("dimension", string(dim)),
		zap.Int("pages", page),
		zap.Int("records", len(all)))
	return all, nil
}

// getCostAndUsage issues one page request, retrying throttling responses
// with exponential backoff up to the configured ceiling.
func (c *Client) getCostAndUsage(ctx context.Context, input *costexplorer.GetCostAndUsageInput) (*costexplorer.GetCostAndUsageOutput, error) {
	backoff := c.limits.InitialBackoff
	for attempt := 0; ; attempt++ {
		output, err := c.ce.GetCostAndUsage(ctx, input)
		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
		}
		if !isThrottle(err) {
			return nil, fmt.Errorf("failed to get cost data: %w", err)
		}
		if attempt+1 >= c.limits.MaxRetries {
			return nil, fmt.Errorf("%w: throttled after %d attempts: %v", ErrUpstreamUnavailable, attempt+1, err)
		}

		c.logger.Warn("cost query throttled, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))
		if err := sleep(ctx, jitter(backoff)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		backoff *= 2
	}
}

func (c *Client) validateRange(start, end time.Time, granularity normalizer.DateRangeType) error {
	if !start.Before(end) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidRange,
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	days := int(end.Sub(start).Hours() / 24)
	switch granularity {
	case normalizer.RangeHourly:
		if days > maxHourlyWindowDays {
			return fmt.Errorf("%w: %d days exceeds the %d-day hourly window", ErrInvalidRange, days, maxHourlyWindowDays)
		}
	case normalizer.RangeDaily:
		if days > c.limits.MaxDailyWindow {
			return fmt.Errorf("%w: %d days exceeds the %d-day daily window", ErrInvalidRange, days, c.limits.MaxDailyWindow)
		}
	case normalizer.RangeMonthly:
		months := (end.Year()-start.Year())*12 + int(end.Month()-start.Month())
		if months > c.limits.MaxMonthlyWindow {
			return fmt.Errorf("%w: %d months exceeds the %d-month monthly window", ErrInvalidRange, months, c.limits.MaxMonthlyWindow)
		}
	default:
		return fmt.Errorf("%w: unsupported granularity %q", ErrInvalidRange, granularity)
	}
	return nil
}

func (c *Client) groupBy(dim normalizer.Dimension) []types.GroupDefinition {
	switch dim {
	case normalizer.DimensionRegion:
		return []types.GroupDefinition{
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("REGION")},
		}
	case normalizer.DimensionUsageType:
		return []types.GroupDefinition{
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")},
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("USAGE_TYPE")},
		}
	case normalizer.DimensionTag:
		return []types.GroupDefinition{
			{Type: types.GroupDefinitionTypeTag, Key: aws.String(c.cfg.GroupTagKey)},
		}
	default:
		return []types.GroupDefinition{
			{Type: types.GroupDefinitionTypeDimension, Key: aws.String("SERVICE")},
		}
	}
}

// flattenResults converts SDK response pages to raw records.
func flattenResults(results []types.ResultByTime) []normalizer.RawRecord {
	var records []normalizer.RawRecord
	for _, result := range results {
		if result.TimePeriod == nil {
			continue
		}
		start, _ := time.Parse("2006-01-02", aws.ToString(result.TimePeriod.Start))
		end, _ := time.Parse("2006-01-02", aws.ToString(result.TimePeriod.End))

		for _, group := range result.Groups {
			rr := normalizer.RawRecord{
				Keys:  group.Keys,
				Start: start,
				End:   end,
			}
			if cost, ok := group.Metrics["UnblendedCost"]; ok {
				rr.Cost = aws.ToString(cost.Amount)
				rr.CostUnit = aws.ToString(cost.Unit)
			}
			if usage, ok := group.Metrics["UsageQuantity"]; ok {
				rr.Usage = aws.ToString(usage.Amount)
				rr.UsageUnit = aws.ToString(usage.Unit)
			}
			records = append(records, rr)
		}
	}
	return records
}

func toGranularity(t normalizer.DateRangeType) types.Granularity {
	switch t {
	case normalizer.RangeHourly:
		return types.GranularityHourly
	case normalizer.RangeMonthly:
		return types.GranularityMonthly
	default:
		return types.GranularityDaily
	}
}

// isThrottle reports whether the provider asked us to slow down.
func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "Throttling", "TooManyRequestsException", "LimitExceededException", "RequestLimitExceeded":
		return true
	}
	return false
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ForecastValue is one provider-predicted point.
type ForecastValue struct {
	Date   time.Time
	Amount decimal.Decimal
}

// ForecastResult is the provider forecast for a future window.
type ForecastResult struct {
	Start      time.Time
	End        time.Time
	Mean       decimal.Decimal
	Currency   string
	Confidence float64
	Values     []ForecastValue
}

// Forecast retrieves the provider cost forecast for [start, end).
func (c *Client) Forecast(ctx context.Context, start, end time.Time, granularity normalizer.DateRangeType) (*ForecastResult, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidRange,
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	const predictionInterval = int32(80)
	input := &costexplorer.GetCostForecastInput{
		TimePeriod: &types.DateInterval{
			Start: aws.String(start.Format("2006-01-02")),
			End:   aws.String(end.Format("2006-01-02")),
		},
		Metric:                  types.MetricUnblendedCost,
		Granularity:             toGranularity(granularity),
		PredictionIntervalLevel: aws.Int32(predictionInterval),
	}

	output, err := c.ce.GetCostForecast(ctx, input)
	if err != nil {
		if isThrottle(err) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return nil, fmt.Errorf("failed to get forecast: %w", err)
	}

	result := &ForecastResult{
		Start:      start,
		End:        end,
		Currency:   "USD",
		Confidence: float64(predictionInterval) / 100,
	}
	if output.Total != nil {
		if output.Total.Amount != nil {
			mean, err := decimal.NewFromString(aws.ToString(output.Total.Amount))
			if err != nil {
				return nil, fmt.Errorf("%w: forecast total %q", normalizer.ErrMalformedRecord, aws.ToString(output.Total.Amount))
			}
			result.Mean = mean
		}
		if output.Total.Unit != nil {
			result.Currency = aws.ToString(output.Total.Unit)
		}
	}

	for _, point := range output.ForecastResultsByTime {
		if point.TimePeriod == nil || point.MeanValue == nil {
			continue
		}
		date, err := time.Parse("2006-01-02", aws.ToString(point.TimePeriod.Start))
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(aws.ToString(point.MeanValue))
		if err != nil {
			return nil, fmt.Errorf("%w: forecast value %q", normalizer.ErrMalformedRecord, aws.ToString(point.MeanValue))
		}
		result.Values = append(result.Values, ForecastValue{Date: date, Amount: amount})
	}

	return result, nil
}
