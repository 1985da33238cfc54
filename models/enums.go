package models

import "errors"

// MaxHierarchyLevel bounds how deep a breakdown tree may grow (root = 0).
const MaxHierarchyLevel = 10

type BreakdownType string

const (
	BreakdownTypeSapStandard     BreakdownType = "sap_standard"
	BreakdownTypeCustomHierarchy BreakdownType = "custom_hierarchy"
	BreakdownTypeCostCenter      BreakdownType = "cost_center"
	BreakdownTypeWorkPackage     BreakdownType = "work_package"
)

func (t BreakdownType) IsValid() bool {
	switch t {
	case BreakdownTypeSapStandard, BreakdownTypeCustomHierarchy, BreakdownTypeCostCenter, BreakdownTypeWorkPackage:
		return true
	}
	return false
}

type ImportStatus string

const (
	ImportStatusPending            ImportStatus = "pending"
	ImportStatusProcessing         ImportStatus = "processing"
	ImportStatusCompleted          ImportStatus = "completed"
	ImportStatusFailed             ImportStatus = "failed"
	ImportStatusPartiallyCompleted ImportStatus = "partially_completed"
)

func (s ImportStatus) IsTerminal() bool {
	switch s {
	case ImportStatusCompleted, ImportStatusFailed, ImportStatusPartiallyCompleted:
		return true
	}
	return false
}

type ConflictKind string

const (
	ConflictKindDuplicateCode         ConflictKind = "duplicate_code"
	ConflictKindDuplicateExternalRef  ConflictKind = "duplicate_external_reference"
	ConflictKindParentNotFound        ConflictKind = "parent_not_found"
	ConflictKindInvalidHierarchy      ConflictKind = "invalid_hierarchy"
	ConflictKindAmountMismatch        ConflictKind = "amount_mismatch"
)

type ResolutionPolicy string

const (
	ResolutionPolicySkip      ResolutionPolicy = "skip"
	ResolutionPolicyUpdate    ResolutionPolicy = "update"
	ResolutionPolicyCreateNew ResolutionPolicy = "create_new"
	ResolutionPolicyMerge     ResolutionPolicy = "merge"
	ResolutionPolicyManual    ResolutionPolicy = "manual"
)

func (p ResolutionPolicy) IsValid() bool {
	switch p {
	case ResolutionPolicySkip, ResolutionPolicyUpdate, ResolutionPolicyCreateNew, ResolutionPolicyMerge, ResolutionPolicyManual:
		return true
	}
	return false
}

type DeletePolicy string

const (
	DeletePolicyReassignChildren DeletePolicy = "reassign_children"
	DeletePolicyCascade          DeletePolicy = "cascade"
	DeletePolicyBlockIfChildren  DeletePolicy = "block_if_children"
)

func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(s) {
	case DeletePolicyReassignChildren:
		return DeletePolicyReassignChildren, nil
	case DeletePolicyCascade:
		return DeletePolicyCascade, nil
	case DeletePolicyBlockIfChildren:
		return DeletePolicyBlockIfChildren, nil
	}
	return "", errors.New("invalid delete policy")
}

type VersionAction string

const (
	VersionActionCreate VersionAction = "create"
	VersionActionUpdate VersionAction = "update"
	VersionActionMove   VersionAction = "move"
	VersionActionDelete VersionAction = "delete"
	VersionActionLink   VersionAction = "link"
	VersionActionUnlink VersionAction = "unlink"
)

type VarianceStatus string

const (
	VarianceStatusOnTrack     VarianceStatus = "on_track"
	VarianceStatusMinor       VarianceStatus = "minor"
	VarianceStatusSignificant VarianceStatus = "significant"
	VarianceStatusCritical    VarianceStatus = "critical"
	// VarianceStatusNoBaseline flags nodes whose planned amount is zero;
	// a percentage variance is undefined for them.
	VarianceStatusNoBaseline VarianceStatus = "no_baseline"
)

// severityRank orders statuses for boundary-crossing alert checks.
// no_baseline never alerts.
func (s VarianceStatus) severityRank() int {
	switch s {
	case VarianceStatusOnTrack:
		return 0
	case VarianceStatusMinor:
		return 1
	case VarianceStatusSignificant:
		return 2
	case VarianceStatusCritical:
		return 3
	}
	return -1
}

// CrossedAbove reports whether moving from prev to s crossed a threshold
// boundary upward (worse).
func (s VarianceStatus) CrossedAbove(prev VarianceStatus) bool {
	return s.severityRank() > prev.severityRank() && s.severityRank() > 0
}

type AlertPublishStatus string

const (
	AlertPublishStatusPending    AlertPublishStatus = "PENDING"
	AlertPublishStatusProcessing AlertPublishStatus = "PROCESSING"
	AlertPublishStatusSent       AlertPublishStatus = "SENT"
	AlertPublishStatusFailed     AlertPublishStatus = "FAILED"
	// AlertPublishStatusDead marks a poison row that exhausted its
	// publish attempts.
	AlertPublishStatusDead AlertPublishStatus = "DEAD"
)
