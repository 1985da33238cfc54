package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/costplan_backend/models"
	"github.com/shopspring/decimal"
)

func TestMapRows_MappingAndAmounts(t *testing.T) {
	rows := []ImportRow{
		{"WBS": "1.1", "Description": "Foundation", "Plan": "MMK 20,000", "Spent": "1,500.75", "Source": "SAP-77"},
		{"WBS": "1.2", "Description": "Framing", "Plan": "oops", "Spent": "0"},
	}
	mapping := ColumnMapping{
		"code":           "WBS",
		"name":           "Description",
		"planned_amount": "Plan",
		"actual_amount":  "Spent",
	}

	specs, rowErrors := MapRows(rows, mapping)
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if len(rowErrors) != 1 || rowErrors[0].RowNo != 2 || rowErrors[0].Field != "planned_amount" {
		t.Fatalf("expected a row 2 planned_amount error, got %+v", rowErrors)
	}

	spec := specs[0]
	if spec.Code != "1.1" || spec.Name != "Foundation" {
		t.Fatalf("unexpected mapping: %+v", spec)
	}
	if !spec.PlannedAmount.Equal(decimal.NewFromInt(20000)) {
		t.Fatalf("planned: expected 20000, got %s", spec.PlannedAmount)
	}
	if !spec.ActualAmount.Equal(decimal.NewFromFloat(1500.75)) {
		t.Fatalf("actual: expected 1500.75, got %s", spec.ActualAmount)
	}
	if !spec.ExchangeRate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("exchange rate should default to 1, got %s", spec.ExchangeRate)
	}
	// unmapped source columns ride along as metadata
	if spec.Metadata["Source"] != "SAP-77" {
		t.Fatalf("expected Source column in metadata, got %+v", spec.Metadata)
	}
}

func TestValidateRows_RequiresNameAndKnownType(t *testing.T) {
	specs := []*RowSpec{
		{RowNo: 1, Name: "ok"},
		{RowNo: 2},
		{RowNo: 3, Name: "bad type", BreakdownType: models.BreakdownType("wbs")},
	}
	valid, rowErrors := ValidateRows(specs)
	if len(valid) != 1 || valid[0].RowNo != 1 {
		t.Fatalf("expected only row 1 valid, got %+v", valid)
	}
	if len(rowErrors) != 2 {
		t.Fatalf("expected 2 errors, got %+v", rowErrors)
	}
	if valid[0].BreakdownType != models.BreakdownTypeCustomHierarchy {
		t.Fatalf("expected defaulted type, got %s", valid[0].BreakdownType)
	}
}

func TestOrderRows_ParentsFirst(t *testing.T) {
	specs := []*RowSpec{
		{RowNo: 1, Name: "leaf", Code: "1.1.1", ParentCode: "1.1"},
		{RowNo: 2, Name: "mid", Code: "1.1", ParentCode: "1"},
		{RowNo: 3, Name: "root", Code: "1"},
		{RowNo: 4, Name: "external parent", Code: "2.1", ParentCode: "EXISTING"},
	}
	ordered, rowErrors := OrderRows(specs)
	if len(rowErrors) != 0 {
		t.Fatalf("unexpected errors: %+v", rowErrors)
	}
	if len(ordered) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(ordered))
	}
	pos := map[string]int{}
	for i, spec := range ordered {
		pos[spec.Code] = i
	}
	if pos["1"] > pos["1.1"] || pos["1.1"] > pos["1.1.1"] {
		t.Fatalf("parents must come first: %v", pos)
	}
}

func TestOrderRows_CycleReported(t *testing.T) {
	specs := []*RowSpec{
		{RowNo: 1, Name: "a", Code: "A", ParentCode: "B"},
		{RowNo: 2, Name: "b", Code: "B", ParentCode: "A"},
		{RowNo: 3, Name: "self", Code: "C", ParentCode: "C"},
	}
	ordered, rowErrors := OrderRows(specs)
	if len(rowErrors) == 0 {
		t.Fatal("expected cycle errors")
	}
	for _, spec := range ordered {
		if spec.Code == "C" {
			t.Fatal("self-referencing row must not be ordered")
		}
	}
}

func TestClassifyConflict(t *testing.T) {
	delta := decimal.NewFromFloat(0.01)
	byRef := &models.BreakdownNode{ID: 10, PlannedAmount: decimal.NewFromInt(1000)}
	byCode := &models.BreakdownNode{ID: 20}

	spec := &RowSpec{RowNo: 1, ExternalReference: "SAP-1", PlannedAmount: decimal.NewFromInt(1000)}
	c := ClassifyConflict(spec, byRef, nil, delta)
	if c == nil || c.Kind != models.ConflictKindDuplicateExternalRef || c.ExistingNodeId != 10 {
		t.Fatalf("expected duplicate_external_reference on node 10, got %+v", c)
	}

	spec = &RowSpec{RowNo: 2, ExternalReference: "SAP-1", PlannedAmount: decimal.NewFromInt(1200)}
	c = ClassifyConflict(spec, byRef, nil, delta)
	if c == nil || c.Kind != models.ConflictKindAmountMismatch {
		t.Fatalf("expected amount_mismatch, got %+v", c)
	}

	// a sub-threshold drift is not material
	spec = &RowSpec{RowNo: 3, ExternalReference: "SAP-1", PlannedAmount: decimal.NewFromFloat(1000.005)}
	c = ClassifyConflict(spec, byRef, nil, delta)
	if c == nil || c.Kind != models.ConflictKindDuplicateExternalRef {
		t.Fatalf("expected duplicate_external_reference for immaterial drift, got %+v", c)
	}

	spec = &RowSpec{RowNo: 4, Code: "1.1"}
	c = ClassifyConflict(spec, nil, byCode, delta)
	if c == nil || c.Kind != models.ConflictKindDuplicateCode || c.ExistingNodeId != 20 {
		t.Fatalf("expected duplicate_code on node 20, got %+v", c)
	}

	// external reference match outranks a code match
	spec = &RowSpec{RowNo: 5, Code: "1.1", ExternalReference: "SAP-1", PlannedAmount: decimal.NewFromInt(1000)}
	c = ClassifyConflict(spec, byRef, byCode, delta)
	if c == nil || c.Kind != models.ConflictKindDuplicateExternalRef {
		t.Fatalf("expected reference match to win, got %+v", c)
	}

	if c := ClassifyConflict(&RowSpec{RowNo: 6}, nil, nil, delta); c != nil {
		t.Fatalf("expected no conflict, got %+v", c)
	}
}

func TestImportOptions_PolicyFor(t *testing.T) {
	opts := ImportOptions{
		DefaultPolicy: models.ResolutionPolicySkip,
		PolicyByKind: map[models.ConflictKind]models.ResolutionPolicy{
			models.ConflictKindAmountMismatch: models.ResolutionPolicyManual,
		},
	}
	if got := opts.policyFor(models.ConflictKindAmountMismatch); got != models.ResolutionPolicyManual {
		t.Fatalf("expected manual for amount_mismatch, got %s", got)
	}
	if got := opts.policyFor(models.ConflictKindDuplicateCode); got != models.ResolutionPolicySkip {
		t.Fatalf("expected skip fallback, got %s", got)
	}
	if got := (ImportOptions{}).policyFor(models.ConflictKindDuplicateCode); got != models.ResolutionPolicyManual {
		t.Fatalf("expected manual when nothing configured, got %s", got)
	}
}

func TestDepthConflict(t *testing.T) {
	spec := &RowSpec{RowNo: 7, Name: "deep"}

	if c := depthConflict(spec, 0, -1); c != nil {
		t.Fatalf("root rows never overflow, got %+v", c)
	}
	if c := depthConflict(spec, 42, models.MaxHierarchyLevel-1); c != nil {
		t.Fatalf("the last allowed level must pass, got %+v", c)
	}
	c := depthConflict(spec, 42, models.MaxHierarchyLevel)
	if c == nil {
		t.Fatal("expected a conflict past the depth bound")
	}
	if c.Kind != models.ConflictKindInvalidHierarchy || c.RowNo != 7 {
		t.Fatalf("unexpected conflict: %+v", c)
	}
}

func TestMarkConflictResolved_Itemizes(t *testing.T) {
	batch := &models.ImportBatch{Conflicts: models.ConflictList{}}
	markConflictResolved(batch, models.RowConflict{RowNo: 3, Kind: models.ConflictKindDuplicateCode}, models.ResolutionPolicySkip)

	if len(batch.Conflicts) != 1 {
		t.Fatalf("expected 1 itemized conflict, got %d", len(batch.Conflicts))
	}
	c := batch.Conflicts[0]
	if !c.Resolved || c.Policy != models.ResolutionPolicySkip {
		t.Fatalf("conflict must carry the policy that settled it: %+v", c)
	}
	if len(batch.Conflicts.Unresolved()) != 0 {
		t.Fatal("resolved conflicts must not count as unresolved")
	}
}
