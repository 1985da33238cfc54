package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"gorm.io/gorm"
)

// BreakdownVersion is one entry in the append-only audit trail. Rows are
// never updated or deleted; VersionNo is monotonic per node, starting at 1.
type BreakdownVersion struct {
	ID         int           `gorm:"primary_key" json:"id"`
	BusinessId string        `gorm:"index;not null" json:"business_id"`
	NodeId     int           `gorm:"index;not null" json:"node_id"`
	VersionNo  int           `gorm:"not null" json:"version_no"`
	Action     VersionAction `gorm:"size:10;not null" json:"action"`
	Before     string        `gorm:"type:text" json:"before"`
	After      string        `gorm:"type:text" json:"after"`
	UserId     int           `gorm:"index;not null" json:"user_id"`
	UserName   string        `gorm:"size:100" json:"user_name"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

// recordVersion appends an audit entry inside the caller's transaction.
// The caller must hold the project mutation lock so the max-version read
// cannot race another writer.
func recordVersion(tx *gorm.DB, nodeId int, action VersionAction, before *BreakdownNode, after *BreakdownNode) (int, error) {

	ctx := tx.Statement.Context
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return 0, errors.New("user id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	var maxVersion int
	if err := tx.Model(&BreakdownVersion{}).
		Where("node_id = ?", nodeId).
		Select("COALESCE(MAX(version_no), 0)").
		Scan(&maxVersion).Error; err != nil {
		return 0, err
	}

	version := BreakdownVersion{
		BusinessId: businessId,
		NodeId:     nodeId,
		VersionNo:  maxVersion + 1,
		Action:     action,
		UserId:     userId,
		UserName:   userName,
	}
	if before != nil {
		version.Before = before.snapshotJSON()
	}
	if after != nil {
		version.After = after.snapshotJSON()
	}

	if err := tx.Create(&version).Error; err != nil {
		return 0, err
	}
	return version.VersionNo, nil
}

// RecordVersion appends an audit entry for a node mutation.
func RecordVersion(tx *gorm.DB, nodeId int, action VersionAction, before *BreakdownNode, after *BreakdownNode) (int, error) {
	return recordVersion(tx, nodeId, action, before, after)
}

// VersionHistory returns a node's audit trail, oldest first.
func VersionHistory(ctx context.Context, nodeId int) ([]*BreakdownVersion, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*BreakdownVersion
	err := db.WithContext(ctx).
		Where("business_id = ? AND node_id = ?", businessId, nodeId).
		Order("version_no ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// LatestVersionNo reports the highest recorded version for a node (0 if none).
func LatestVersionNo(ctx context.Context, nodeId int) (int, error) {
	db := config.GetDB()
	var maxVersion int
	err := db.WithContext(ctx).Model(&BreakdownVersion{}).
		Where("node_id = ?", nodeId).
		Select("COALESCE(MAX(version_no), 0)").
		Scan(&maxVersion).Error
	return maxVersion, err
}
