package models

import "testing"

func TestParseDeletePolicy(t *testing.T) {
	cases := []struct {
		in       string
		expected DeletePolicy
		wantErr  bool
	}{
		{"reassign_children", DeletePolicyReassignChildren, false},
		{"cascade", DeletePolicyCascade, false},
		{"block_if_children", DeletePolicyBlockIfChildren, false},
		{"", "", true},
		{"drop", "", true},
	}
	for _, tc := range cases {
		got, err := ParseDeletePolicy(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDeletePolicy(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDeletePolicy(%q): %v", tc.in, err)
		}
		if got != tc.expected {
			t.Fatalf("ParseDeletePolicy(%q): expected %s, got %s", tc.in, tc.expected, got)
		}
	}
}

func TestImportStatus_IsTerminal(t *testing.T) {
	terminal := []ImportStatus{ImportStatusCompleted, ImportStatusFailed, ImportStatusPartiallyCompleted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	open := []ImportStatus{ImportStatusPending, ImportStatusProcessing}
	for _, s := range open {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestConflictList_Unresolved(t *testing.T) {
	list := ConflictList{
		{RowNo: 1, Kind: ConflictKindDuplicateCode, Resolved: true},
		{RowNo: 2, Kind: ConflictKindParentNotFound},
		{RowNo: 3, Kind: ConflictKindAmountMismatch},
	}
	open := list.Unresolved()
	if len(open) != 2 {
		t.Fatalf("expected 2 unresolved, got %d", len(open))
	}
	if open[0].RowNo != 2 || open[1].RowNo != 3 {
		t.Fatalf("unexpected rows: %+v", open)
	}
}

func TestBreakdownType_IsValid(t *testing.T) {
	for _, bt := range []BreakdownType{BreakdownTypeSapStandard, BreakdownTypeCustomHierarchy, BreakdownTypeCostCenter, BreakdownTypeWorkPackage} {
		if !bt.IsValid() {
			t.Fatalf("%s should be valid", bt)
		}
	}
	if BreakdownType("wbs").IsValid() {
		t.Fatal("unknown type accepted")
	}
}
