package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/costplan_backend/models"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"github.com/shopspring/decimal"
)

func subtreeFixture() []*models.BreakdownNode {
	// 1 (level 2) -> 2 (level 3) -> 3 (level 4)
	return []*models.BreakdownNode{
		{ID: 1, Level: 2},
		{ID: 2, ParentId: 1, Level: 3},
		{ID: 3, ParentId: 2, Level: 4},
	}
}

func TestCheckMoveTarget(t *testing.T) {
	subtree := subtreeFixture()

	if err := checkMoveTarget(1, subtree, 1); err == nil {
		t.Fatal("moving under itself must fail")
	}
	if err := checkMoveTarget(1, subtree, 3); err == nil {
		t.Fatal("moving under a descendant must fail")
	}
	if err := checkMoveTarget(1, subtree, 99); err != nil {
		t.Fatalf("moving under an outside node should pass: %v", err)
	}
	var herr *utils.HierarchyIntegrityError
	if err := checkMoveTarget(1, subtree, 3); err != nil {
		var ok bool
		herr, ok = err.(*utils.HierarchyIntegrityError)
		if !ok {
			t.Fatalf("expected HierarchyIntegrityError, got %T", err)
		}
	}
	if herr == nil || herr.NodeId != 1 {
		t.Fatalf("unexpected error payload: %+v", herr)
	}
}

func TestMaxSubtreeLevel(t *testing.T) {
	if got := maxSubtreeLevel(subtreeFixture()); got != 4 {
		t.Fatalf("expected deepest level 4, got %d", got)
	}
	if got := maxSubtreeLevel(nil); got != 0 {
		t.Fatalf("expected 0 for empty subtree, got %d", got)
	}
}

func TestMoveDepthBound(t *testing.T) {
	subtree := subtreeFixture()
	node := subtree[0]

	// moving the subtree under a level-8 parent pushes the deepest
	// descendant from level 4 to 4 + (9-2) = 11
	newLevel := 9
	delta := newLevel - node.Level
	if maxSubtreeLevel(subtree)+delta <= models.MaxHierarchyLevel {
		t.Fatal("fixture should overflow the depth bound")
	}

	// one level less fits exactly
	newLevel = 8
	delta = newLevel - node.Level
	if maxSubtreeLevel(subtree)+delta > models.MaxHierarchyLevel {
		t.Fatal("fixture should fit the depth bound")
	}
}

func TestApplyUpdate_PartialFields(t *testing.T) {
	active := utils.NewTrue()
	node := &models.BreakdownNode{
		Name:          "Original",
		CostCenter:    "CC-1",
		PlannedAmount: decimal.NewFromInt(1000),
		ActualAmount:  decimal.NewFromInt(100),
		Currency:      "USD",
		IsActive:      active,
	}

	name := "Renamed"
	actual := decimal.NewFromInt(250)
	applyUpdate(node, &UpdateNodeInput{Name: &name, ActualAmount: &actual})

	if node.Name != "Renamed" {
		t.Fatalf("name not applied: %s", node.Name)
	}
	if !node.ActualAmount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("actual not applied: %s", node.ActualAmount)
	}
	// untouched fields stay put
	if node.CostCenter != "CC-1" || node.Currency != "USD" || !node.PlannedAmount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unrelated fields changed: %+v", node)
	}
}

func TestApplyUpdate_MetadataReplaced(t *testing.T) {
	node := &models.BreakdownNode{Metadata: models.MetadataMap{"old": "1"}}
	applyUpdate(node, &UpdateNodeInput{Metadata: models.MetadataMap{"new": "2"}})
	if _, ok := node.Metadata["old"]; ok {
		t.Fatal("metadata should be replaced wholesale")
	}
	if node.Metadata["new"] != "2" {
		t.Fatalf("metadata not applied: %+v", node.Metadata)
	}
}
