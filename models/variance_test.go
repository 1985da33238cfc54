package models

import (
	"testing"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"github.com/shopspring/decimal"
)

func testThresholds() config.VarianceThresholds {
	return config.VarianceThresholds{
		OnTrackBelow:     decimal.NewFromInt(5),
		MinorBelow:       decimal.NewFromInt(15),
		SignificantBelow: decimal.NewFromInt(50),
	}
}

func TestComputeVariance_StatusBands(t *testing.T) {
	cases := []struct {
		name     string
		planned  string
		actual   string
		expected VarianceStatus
	}{
		{"exactly on plan", "1000", "1000", VarianceStatusOnTrack},
		{"under plan small", "1000", "960", VarianceStatusOnTrack},
		{"just under on-track boundary", "1000", "1049.99", VarianceStatusOnTrack},
		{"at on-track boundary", "1000", "1050", VarianceStatusMinor},
		{"minor overrun", "1000", "1100", VarianceStatusMinor},
		{"at minor boundary", "1000", "1150", VarianceStatusSignificant},
		{"significant overrun", "1000", "1400", VarianceStatusSignificant},
		{"at significant boundary stays significant", "1000", "1500", VarianceStatusSignificant},
		{"just past significant boundary", "1000", "1500.01", VarianceStatusCritical},
		{"way over", "1000", "3000", VarianceStatusCritical},
		{"large underrun is also flagged", "1000", "400", VarianceStatusCritical},
	}
	th := testThresholds()
	for _, tc := range cases {
		planned, _ := decimal.NewFromString(tc.planned)
		actual, _ := decimal.NewFromString(tc.actual)
		figures := ComputeVariance(planned, decimal.Zero, actual, th)
		if figures.Status != tc.expected {
			t.Fatalf("%s: expected status %s, got %s (pct=%v)", tc.name, tc.expected, figures.Status, figures.VariancePct)
		}
	}
}

func TestComputeVariance_ZeroPlannedHasNoBaseline(t *testing.T) {
	figures := ComputeVariance(decimal.Zero, decimal.Zero, decimal.NewFromInt(250), testThresholds())
	if figures.Status != VarianceStatusNoBaseline {
		t.Fatalf("expected no_baseline, got %s", figures.Status)
	}
	if figures.VariancePct != nil {
		t.Fatalf("expected nil variance pct, got %v", figures.VariancePct)
	}
	if !figures.VarianceAmount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected variance amount 250, got %s", figures.VarianceAmount)
	}
}

func TestComputeVariance_RemainingAndAmount(t *testing.T) {
	planned, _ := decimal.NewFromString("1500.50")
	actual, _ := decimal.NewFromString("1600.25")
	figures := ComputeVariance(planned, decimal.Zero, actual, testThresholds())

	if !figures.Remaining.Equal(planned.Sub(actual)) {
		t.Fatalf("remaining: expected %s, got %s", planned.Sub(actual), figures.Remaining)
	}
	if !figures.VarianceAmount.Equal(actual.Sub(planned)) {
		t.Fatalf("variance amount: expected %s, got %s", actual.Sub(planned), figures.VarianceAmount)
	}
	// remaining and variance amount always mirror each other
	if !figures.Remaining.Add(figures.VarianceAmount).IsZero() {
		t.Fatalf("remaining %s and variance %s do not cancel", figures.Remaining, figures.VarianceAmount)
	}
}

func TestComputeVariance_PctSign(t *testing.T) {
	planned := decimal.NewFromInt(1000)

	over := ComputeVariance(planned, decimal.Zero, decimal.NewFromInt(1100), testThresholds())
	if over.VariancePct == nil || !over.VariancePct.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected +10 pct, got %v", over.VariancePct)
	}
	under := ComputeVariance(planned, decimal.Zero, decimal.NewFromInt(900), testThresholds())
	if under.VariancePct == nil || !under.VariancePct.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("expected -10 pct, got %v", under.VariancePct)
	}
	// banding uses magnitude, so a -10% node is still minor
	if under.Status != VarianceStatusMinor {
		t.Fatalf("expected minor for -10 pct, got %s", under.Status)
	}
}

func TestAggregateFigures_SumsOwnAmounts(t *testing.T) {
	nodes := []*BreakdownNode{
		{PlannedAmount: decimal.NewFromInt(1000), ActualAmount: decimal.NewFromInt(400), CommittedAmount: decimal.NewFromInt(100), IsActive: utils.NewTrue()},
		{PlannedAmount: decimal.NewFromInt(500), ActualAmount: decimal.NewFromInt(600), CommittedAmount: decimal.NewFromInt(50), IsActive: utils.NewTrue()},
		{PlannedAmount: decimal.NewFromInt(250), ActualAmount: decimal.Zero, IsActive: utils.NewTrue()},
	}
	figures := aggregateFigures(nodes, testThresholds())

	if !figures.Planned.Equal(decimal.NewFromInt(1750)) {
		t.Fatalf("planned: expected 1750, got %s", figures.Planned)
	}
	if !figures.Committed.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("committed: expected 150, got %s", figures.Committed)
	}
	if !figures.Actual.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("actual: expected 1000, got %s", figures.Actual)
	}
	if !figures.Remaining.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("remaining: expected 750, got %s", figures.Remaining)
	}
	// 1000 vs 1750 is a 42.86% underrun; the magnitude lands in significant
	if figures.Status != VarianceStatusSignificant {
		t.Fatalf("expected significant, got %s", figures.Status)
	}
}

func TestAggregateFigures_Empty(t *testing.T) {
	figures := aggregateFigures(nil, testThresholds())
	if figures.Status != VarianceStatusNoBaseline {
		t.Fatalf("expected no_baseline for empty set, got %s", figures.Status)
	}
	if !figures.Planned.IsZero() || !figures.Actual.IsZero() {
		t.Fatalf("expected zero totals, got planned=%s actual=%s", figures.Planned, figures.Actual)
	}
}

func TestVarianceStatus_CrossedAbove(t *testing.T) {
	cases := []struct {
		prev     VarianceStatus
		current  VarianceStatus
		expected bool
	}{
		{VarianceStatusOnTrack, VarianceStatusMinor, true},
		{VarianceStatusOnTrack, VarianceStatusCritical, true},
		{VarianceStatusMinor, VarianceStatusSignificant, true},
		{VarianceStatusMinor, VarianceStatusMinor, false},
		{VarianceStatusSignificant, VarianceStatusMinor, false},
		{VarianceStatusCritical, VarianceStatusOnTrack, false},
		{VarianceStatusNoBaseline, VarianceStatusMinor, true},
		{VarianceStatusOnTrack, VarianceStatusNoBaseline, false},
	}
	for _, tc := range cases {
		if got := tc.current.CrossedAbove(tc.prev); got != tc.expected {
			t.Fatalf("CrossedAbove(%s -> %s): expected %v, got %v", tc.prev, tc.current, tc.expected, got)
		}
	}
}
