package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"gorm.io/gorm"
)

// FinancialLink associates a breakdown node with an externally tracked
// financial record. At most one active link may exist per (node, record)
// pair; a linked record is excluded from financial-only totals so the
// combined view counts its value exactly once.
type FinancialLink struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	NodeId     int       `gorm:"index;not null" json:"node_id"`
	RecordId   int       `gorm:"index;not null" json:"record_id"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedBy  int       `gorm:"index" json:"created_by"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (l FinancialLink) GetBusinessId() string {
	return l.BusinessId
}

// LinkFinancialRecord creates an active link between a node and a record.
// Both sides must exist, be active, and belong to the same project.
func LinkFinancialRecord(ctx context.Context, nodeId int, recordId int) (*FinancialLink, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	node, err := GetBreakdownNode(ctx, nodeId)
	if err != nil {
		return nil, err
	}
	record, err := GetFinancialRecord(ctx, recordId)
	if err != nil {
		return nil, err
	}
	if !utils.DereferencePtr(node.IsActive) {
		return nil, errors.New("node is inactive")
	}
	if !utils.DereferencePtr(record.IsActive) {
		return nil, errors.New("financial record is inactive")
	}
	if node.ProjectId != record.ProjectId {
		return nil, errors.New("node and financial record belong to different projects")
	}

	link := FinancialLink{
		BusinessId: businessId,
		NodeId:     nodeId,
		RecordId:   recordId,
		IsActive:   utils.NewTrue(),
		CreatedBy:  userId,
	}

	// the advisory lock pins the whole check-then-insert sequence to one
	// connection and is held until after the transaction commits, so two
	// concurrent calls for the same pair cannot both pass the count
	db := config.GetDB()
	err = db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireProjectPostingLock(conn, node.ProjectId); err != nil {
			return err
		}
		defer ReleaseProjectPostingLock(conn, node.ProjectId)

		var count int64
		err := conn.Model(&FinancialLink{}).
			Where("business_id = ? AND node_id = ? AND record_id = ? AND is_active = true", businessId, nodeId, recordId).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return errors.New("link already exists")
		}

		return conn.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
			if _, err := recordVersion(tx, nodeId, VersionActionLink, node, node); err != nil {
				return err
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	invalidateAggregateCache(businessId, node.ProjectId)
	return &link, nil
}

// UnlinkFinancialRecord deactivates the active link for the pair.
func UnlinkFinancialRecord(ctx context.Context, nodeId int, recordId int) (*FinancialLink, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	node, err := GetBreakdownNode(ctx, nodeId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	var link *FinancialLink
	err = db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := AcquireProjectPostingLock(conn, node.ProjectId); err != nil {
			return err
		}
		defer ReleaseProjectPostingLock(conn, node.ProjectId)

		var links []*FinancialLink
		err := conn.
			Where("business_id = ? AND node_id = ? AND record_id = ? AND is_active = true", businessId, nodeId, recordId).
			Limit(1).Find(&links).Error
		if err != nil {
			return err
		}
		if len(links) == 0 {
			return utils.ErrorRecordNotFound
		}
		link = links[0]

		return conn.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(link).Update("is_active", false).Error; err != nil {
				return err
			}
			if _, err := recordVersion(tx, nodeId, VersionActionUnlink, node, node); err != nil {
				return err
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	invalidateAggregateCache(businessId, node.ProjectId)
	return link, nil
}

// ListFinancialLinks returns the financial records currently linked to a node.
func ListFinancialLinks(ctx context.Context, nodeId int) ([]*FinancialRecord, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var recordIds []int
	err := db.WithContext(ctx).Model(&FinancialLink{}).
		Where("business_id = ? AND node_id = ? AND is_active = true", businessId, nodeId).
		Select("record_id").Scan(&recordIds).Error
	if err != nil {
		return nil, err
	}
	if len(recordIds) == 0 {
		return []*FinancialRecord{}, nil
	}

	var records []*FinancialRecord
	err = db.WithContext(ctx).
		Where("business_id = ? AND id IN ?", businessId, recordIds).
		Order("id").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
