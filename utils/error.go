package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError reports malformed or missing input. Returned before any
// mutation is attempted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// HierarchyIntegrityError reports a structural violation: a cycle, depth
// exceeded, or a cross-project parent. A rejected mutation leaves the tree
// unchanged.
type HierarchyIntegrityError struct {
	NodeId int
	Reason string
}

func (e *HierarchyIntegrityError) Error() string {
	if e.NodeId > 0 {
		return fmt.Sprintf("hierarchy integrity violation (node=%d): %s", e.NodeId, e.Reason)
	}
	return "hierarchy integrity violation: " + e.Reason
}

// ConflictError reports an ambiguous or duplicate import row awaiting a
// resolution policy or a manual decision.
type ConflictError struct {
	Kind    string
	RowNo   int
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("import conflict (row=%d kind=%s): %s", e.RowNo, e.Kind, e.Message)
}

// ConcurrencyError reports a stale version detected at mutation time.
// The caller decides whether to retry; the core never auto-retries.
type ConcurrencyError struct {
	Resource        string
	Id              int
	ExpectedVersion int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stale %s (id=%d expected_version=%d); refetch and retry", e.Resource, e.Id, e.ExpectedVersion)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrorRecordNotFound)
}
