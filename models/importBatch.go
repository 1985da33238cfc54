package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RowConflict is one unresolved conflict surfaced to the caller.
type RowConflict struct {
	RowNo          int              `json:"row_no"`
	Kind           ConflictKind     `json:"kind"`
	Message        string           `json:"message"`
	ExistingNodeId int              `json:"existing_node_id,omitempty"`
	Policy         ResolutionPolicy `json:"policy,omitempty"`
	Resolved       bool             `json:"resolved"`
}

type ConflictList []RowConflict

func (c ConflictList) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal(c)
	return string(b), err
}

func (c *ConflictList) Scan(value interface{}) error {
	if value == nil {
		*c = ConflictList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	}
	return fmt.Errorf("cannot scan %T into ConflictList", value)
}

func (c ConflictList) Unresolved() []RowConflict {
	var out []RowConflict
	for _, rc := range c {
		if !rc.Resolved {
			out = append(out, rc)
		}
	}
	return out
}

// ImportBatch is one unit of externally sourced rows processed together.
type ImportBatch struct {
	ID              int          `gorm:"primary_key" json:"id"`
	BusinessId      string       `gorm:"index;not null" json:"business_id"`
	ProjectId       int          `gorm:"index;not null" json:"project_id"`
	BatchNumber     string       `gorm:"index;size:40;not null" json:"batch_number"`
	Source          string       `gorm:"size:255" json:"source"`
	Status          ImportStatus `gorm:"size:25;not null;default:'pending'" json:"status"`
	TotalRows       int          `gorm:"not null;default:0" json:"total_rows"`
	SucceededRows   int          `gorm:"not null;default:0" json:"succeeded_rows"`
	SkippedRows     int          `gorm:"not null;default:0" json:"skipped_rows"`
	FailedRows      int          `gorm:"not null;default:0" json:"failed_rows"`
	Conflicts       ConflictList `gorm:"type:text" json:"conflicts"`
	FailureReason   string       `gorm:"type:text" json:"failure_reason"`
	CancelRequested *bool        `gorm:"not null;default:false" json:"cancel_requested"`
	CancelledAt     *time.Time   `json:"cancelled_at"`
	CreatedBy       int          `gorm:"index" json:"created_by"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b ImportBatch) GetBusinessId() string {
	return b.BusinessId
}

func CreateImportBatch(ctx context.Context, projectId int, source string) (*ImportBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	if err := validateProjectId(ctx, businessId, projectId); err != nil {
		return nil, err
	}

	batch := ImportBatch{
		BusinessId:      businessId,
		ProjectId:       projectId,
		BatchNumber:     uuid.NewString(),
		Source:          source,
		Status:          ImportStatusPending,
		Conflicts:       ConflictList{},
		CancelRequested: utils.NewFalse(),
		CreatedBy:       userId,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

func GetImportBatch(ctx context.Context, id int) (*ImportBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[ImportBatch](ctx, businessId, id)
}

// RequestImportCancel marks a running batch for cooperative cancellation.
// Rows already committed stay committed.
func RequestImportCancel(ctx context.Context, id int) (*ImportBatch, error) {

	batch, err := GetImportBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		return nil, errors.New("batch already finished")
	}

	now := time.Now().UTC()
	db := config.GetDB()
	err = db.WithContext(ctx).Model(batch).Updates(map[string]interface{}{
		"cancel_requested": true,
		"cancelled_at":     &now,
	}).Error
	if err != nil {
		return nil, err
	}
	// best-effort fast path; the row is the source of truth
	_ = config.SetRedisValue(importCancelKey(batch.ID), "1", 10*time.Minute)
	return batch, nil
}

func importCancelKey(batchId int) string {
	return fmt.Sprintf("ImportCancel:%d", batchId)
}

// reloadCancelFlag reads the current cancel marker without touching the
// cached struct; called between row commits.
func (b *ImportBatch) reloadCancelFlag(ctx context.Context) (bool, error) {
	db := config.GetDB()
	var cancelled bool
	err := db.WithContext(ctx).Model(&ImportBatch{}).
		Where("id = ?", b.ID).
		Select("cancel_requested").
		Scan(&cancelled).Error
	return cancelled, err
}

// CancelRequestedNow reads the cancel marker, checking the redis fast path
// before falling back to the store.
func (b *ImportBatch) CancelRequestedNow(ctx context.Context) (bool, error) {
	if val, hit, err := config.GetRedisValue(importCancelKey(b.ID)); err == nil && hit && val == "1" {
		return true, nil
	}
	return b.reloadCancelFlag(ctx)
}

func (b *ImportBatch) updateStatus(tx *gorm.DB, status ImportStatus) error {
	b.Status = status
	return tx.Model(b).Update("status", status).Error
}

// MarkProcessing moves a pending batch into processing.
func (b *ImportBatch) MarkProcessing(ctx context.Context) error {
	if b.Status != ImportStatusPending {
		return fmt.Errorf("batch %d is %s, not pending", b.ID, b.Status)
	}
	return b.updateStatus(config.GetDB().WithContext(ctx), ImportStatusProcessing)
}

// Finalize writes the counters and the terminal (or blocked) state.
// A batch with unresolved manual conflicts stays in processing until they
// are resolved.
func (b *ImportBatch) Finalize(ctx context.Context, cancelled bool) error {
	db := config.GetDB()

	status := ImportStatusCompleted
	switch {
	case len(b.Conflicts.Unresolved()) > 0:
		status = ImportStatusProcessing
	case b.SucceededRows == 0 && b.FailedRows > 0:
		status = ImportStatusFailed
	case cancelled || b.FailedRows > 0:
		status = ImportStatusPartiallyCompleted
	}

	updates := map[string]interface{}{
		"status":         status,
		"total_rows":     b.TotalRows,
		"succeeded_rows": b.SucceededRows,
		"skipped_rows":   b.SkippedRows,
		"failed_rows":    b.FailedRows,
		"conflicts":      b.Conflicts,
	}
	if cancelled {
		now := time.Now().UTC()
		updates["cancelled_at"] = &now
	}
	b.Status = status
	if err := db.WithContext(ctx).Model(b).Updates(updates).Error; err != nil {
		return err
	}
	if status.IsTerminal() {
		_ = config.RemoveRedisKey(importCancelKey(b.ID))
	}
	return nil
}

// MarkFailed records a fatal pre-commit failure; no rows were applied.
func (b *ImportBatch) MarkFailed(ctx context.Context, reason string) error {
	db := config.GetDB()
	b.Status = ImportStatusFailed
	return db.WithContext(ctx).Model(b).Updates(map[string]interface{}{
		"status":         ImportStatusFailed,
		"total_rows":     b.TotalRows,
		"failure_reason": reason,
	}).Error
}
