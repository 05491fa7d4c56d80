// Package chargeback allocates ingested spend to cost centers using the
// cost-allocation tag dimension.
package chargeback

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lvonguyen/finops-dashboard/internal/config"
	"github.com/lvonguyen/finops-dashboard/internal/normalizer"
)

// Allocation is one cost center's share of the window's spend.
type Allocation struct {
	CostCenter    string          `json:"cost_center"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	DirectCost    decimal.Decimal `json:"direct_cost"`    // carried the tag directly
	AllocatedCost decimal.Decimal `json:"allocated_cost"` // share of untagged spend
}

// Allocator distributes tag-dimension spend across cost centers.
type Allocator struct {
	cfg config.ChargebackConfig
}

// NewAllocator creates an Allocator.
func NewAllocator(cfg config.ChargebackConfig) *Allocator {
	return &Allocator{cfg: cfg}
}

// Allocate groups tag-dimension records by cost center. Untagged spend goes
// through the configured shared-split rules first; whatever percentage those
// rules leave unassigned is distributed proportionally to direct spend. With
// no rules, untagged spend lands in the untagged pool unchanged so the
// numbers stay auditable.
func (a *Allocator) Allocate(records []normalizer.CostRecord) []Allocation {
	byCenter := make(map[string]*Allocation)
	untagged := decimal.Zero

	for _, r := range records {
		center := costCenter(r.UsageType)
		if center == "" {
			untagged = untagged.Add(r.Cost)
			continue
		}
		alloc := get(byCenter, center)
		alloc.DirectCost = alloc.DirectCost.Add(r.Cost)
		alloc.TotalCost = alloc.TotalCost.Add(r.Cost)
	}

	a.spreadUntagged(byCenter, untagged)

	out := make([]Allocation, 0, len(byCenter))
	for _, alloc := range byCenter {
		out = append(out, *alloc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TotalCost.Equal(out[j].TotalCost) {
			return out[i].TotalCost.GreaterThan(out[j].TotalCost)
		}
		return out[i].CostCenter < out[j].CostCenter
	})
	return out
}

func (a *Allocator) spreadUntagged(byCenter map[string]*Allocation, untagged decimal.Decimal) {
	if untagged.IsZero() {
		return
	}

	if len(a.cfg.SharedSplit) == 0 {
		pool := get(byCenter, a.cfg.UntaggedPool)
		pool.AllocatedCost = pool.AllocatedCost.Add(untagged)
		pool.TotalCost = pool.TotalCost.Add(untagged)
		return
	}

	remaining := decimal.NewFromInt(100)
	for _, rule := range a.cfg.SharedSplit {
		pct := decimal.NewFromFloat(rule.Percent)
		share := untagged.Mul(pct).Div(decimal.NewFromInt(100)).Truncate(6)
		alloc := get(byCenter, rule.CostCenter)
		alloc.AllocatedCost = alloc.AllocatedCost.Add(share)
		alloc.TotalCost = alloc.TotalCost.Add(share)
		remaining = remaining.Sub(pct)
	}

	if remaining.IsPositive() {
		leftover := untagged.Mul(remaining).Div(decimal.NewFromInt(100)).Truncate(6)
		a.spreadProportionally(byCenter, leftover)
	}
}

// spreadProportionally splits an amount across cost centers by their share
// of direct spend.
func (a *Allocator) spreadProportionally(byCenter map[string]*Allocation, amount decimal.Decimal) {
	totalDirect := decimal.Zero
	for _, alloc := range byCenter {
		totalDirect = totalDirect.Add(alloc.DirectCost)
	}
	if totalDirect.IsZero() {
		pool := get(byCenter, a.cfg.UntaggedPool)
		pool.AllocatedCost = pool.AllocatedCost.Add(amount)
		pool.TotalCost = pool.TotalCost.Add(amount)
		return
	}

	for _, alloc := range byCenter {
		share := amount.Mul(alloc.DirectCost).Div(totalDirect).Truncate(6)
		alloc.AllocatedCost = alloc.AllocatedCost.Add(share)
		alloc.TotalCost = alloc.TotalCost.Add(share)
	}
}

func get(byCenter map[string]*Allocation, center string) *Allocation {
	if alloc, ok := byCenter[center]; ok {
		return alloc
	}
	alloc := &Allocation{CostCenter: center}
	byCenter[center] = alloc
	return alloc
}

// costCenter extracts the tag value from the provider's "key$value" group
// key. A missing or empty value means the resource was untagged.
func costCenter(usageType *string) string {
	if usageType == nil {
		return ""
	}
	if i := strings.IndexByte(*usageType, '$'); i >= 0 {
		return (*usageType)[i+1:]
	}
	return *usageType
}
