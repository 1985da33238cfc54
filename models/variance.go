package models

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

// VarianceFigures carries planned/committed/actual plus the derived fields.
// VariancePct is nil when planned is zero; a percentage against a zero
// baseline is undefined and the status is flagged no_baseline instead.
type VarianceFigures struct {
	Planned        decimal.Decimal  `json:"planned"`
	Committed      decimal.Decimal  `json:"committed"`
	Actual         decimal.Decimal  `json:"actual"`
	Remaining      decimal.Decimal  `json:"remaining"`
	VarianceAmount decimal.Decimal  `json:"variance_amount"`
	VariancePct    *decimal.Decimal `json:"variance_pct"`
	Status         VarianceStatus   `json:"status"`
}

// ComputeVariance derives remaining, variance and status from raw amounts.
// remaining = planned - actual; varianceAmount = actual - planned.
func ComputeVariance(planned, committed, actual decimal.Decimal, th config.VarianceThresholds) VarianceFigures {
	figures := VarianceFigures{
		Planned:        planned,
		Committed:      committed,
		Actual:         actual,
		Remaining:      planned.Sub(actual),
		VarianceAmount: actual.Sub(planned),
	}

	if planned.IsZero() {
		figures.Status = VarianceStatusNoBaseline
		return figures
	}

	pct := figures.VarianceAmount.Div(planned).Mul(oneHundred)
	figures.VariancePct = &pct

	absPct := pct.Abs()
	switch {
	case absPct.LessThan(th.OnTrackBelow):
		figures.Status = VarianceStatusOnTrack
	case absPct.LessThan(th.MinorBelow):
		figures.Status = VarianceStatusMinor
	case absPct.LessThanOrEqual(th.SignificantBelow):
		figures.Status = VarianceStatusSignificant
	default:
		figures.Status = VarianceStatusCritical
	}
	return figures
}

// Variance computes the node's own figures (no descendants).
func (n *BreakdownNode) Variance(th config.VarianceThresholds) VarianceFigures {
	return ComputeVariance(n.PlannedAmount, n.CommittedAmount, n.ActualAmount, th)
}

// aggregateFigures sums own stored amounts over a node set. Each node
// contributes its own amounts exactly once; pre-aggregated values are never
// part of the sum, so a parent plus its children cannot double count.
func aggregateFigures(nodes []*BreakdownNode, th config.VarianceThresholds) VarianceFigures {
	planned := decimal.Zero
	committed := decimal.Zero
	actual := decimal.Zero
	for _, n := range nodes {
		planned = planned.Add(n.PlannedAmount)
		committed = committed.Add(n.CommittedAmount)
		actual = actual.Add(n.ActualAmount)
	}
	return ComputeVariance(planned, committed, actual, th)
}

func aggregateCacheKey(businessId string, projectId int) string {
	return fmt.Sprintf("AggregateVariance:%s:%d", businessId, projectId)
}

func invalidateAggregateCache(businessId string, projectId int) {
	_ = config.RemoveRedisKey(aggregateCacheKey(businessId, projectId))
}

// InvalidateAggregateCache drops the cached project rollup. Bulk operations
// call this once per operation, not once per node.
func InvalidateAggregateCache(businessId string, projectId int) {
	invalidateAggregateCache(businessId, projectId)
}

// AggregateVariance sums the whole project bottom-up. The default view
// excludes soft-deleted nodes; includeInactive adds them back.
func AggregateVariance(ctx context.Context, projectId int, includeInactive bool) (*VarianceFigures, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	th := config.GetVarianceThresholds()
	useCache := !includeInactive && !config.DisableAggregateCache()

	if useCache {
		var cached VarianceFigures
		exists, err := config.GetRedisObject(aggregateCacheKey(businessId, projectId), &cached)
		if err != nil {
			return nil, err
		}
		if exists {
			return &cached, nil
		}
	}

	nodes, err := ProjectNodes(ctx, projectId, includeInactive)
	if err != nil {
		return nil, err
	}
	figures := aggregateFigures(nodes, th)

	if useCache {
		if err := config.SetRedisObject(aggregateCacheKey(businessId, projectId), &figures, utils.GetCacheLifespan()); err != nil {
			return nil, err
		}
	}
	return &figures, nil
}

// SubtreeVariance sums a node plus all of its descendants.
func SubtreeVariance(ctx context.Context, nodeId int, includeInactive bool) (*VarianceFigures, error) {
	nodes, err := GetSubtree(ctx, nodeId, includeInactive)
	if err != nil {
		return nil, err
	}
	figures := aggregateFigures(nodes, config.GetVarianceThresholds())
	return &figures, nil
}

// FinancialTotals is the financial-only slice of a combined view: sums over
// externally tracked records that have no active breakdown link.
type FinancialTotals struct {
	Committed decimal.Decimal `json:"committed"`
	Actual    decimal.Decimal `json:"actual"`
}

// CombinedVarianceResult returns breakdown-only, financial-only and combined
// figures. A financial record linked to a node appears only through the
// node's amounts, never twice.
type CombinedVarianceResult struct {
	Breakdown VarianceFigures `json:"breakdown"`
	Financial FinancialTotals `json:"financial"`
	Combined  VarianceFigures `json:"combined"`
}

// CombinedVariance merges breakdown aggregates with unlinked external
// financial records. With includeExternalFinancial false the combined view
// equals the breakdown view.
func CombinedVariance(ctx context.Context, projectId int, includeExternalFinancial bool) (*CombinedVarianceResult, error) {

	breakdown, err := AggregateVariance(ctx, projectId, false)
	if err != nil {
		return nil, err
	}

	result := CombinedVarianceResult{
		Breakdown: *breakdown,
		Combined:  *breakdown,
	}
	if !includeExternalFinancial {
		return &result, nil
	}

	committed, actual, err := unlinkedFinancialTotals(ctx, projectId)
	if err != nil {
		return nil, err
	}
	result.Financial = FinancialTotals{Committed: committed, Actual: actual}

	th := config.GetVarianceThresholds()
	result.Combined = ComputeVariance(
		breakdown.Planned,
		breakdown.Committed.Add(committed),
		breakdown.Actual.Add(actual),
		th,
	)
	return &result, nil
}
