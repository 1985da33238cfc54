package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"github.com/shopspring/decimal"
)

// FinancialRecord is an externally tracked financial document (e.g. a posted
// purchase-order line from the ERP). The core never derives these; they are
// supplied by the caller and only read for combined variance.
type FinancialRecord struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"index;not null" json:"business_id"`
	ProjectId       int             `gorm:"index;not null" json:"project_id"`
	RecordNumber    string          `gorm:"index;size:100;not null" json:"record_number"`
	Description     string          `gorm:"size:255" json:"description"`
	CommittedAmount decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"committed_amount"`
	ActualAmount    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"actual_amount"`
	Currency        string          `gorm:"size:3" json:"currency"`
	ExchangeRate    decimal.Decimal `gorm:"type:decimal(20,6);not null;default:1" json:"exchange_rate"`
	RecordDate      time.Time       `json:"record_date"`
	IsActive        *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r FinancialRecord) GetBusinessId() string {
	return r.BusinessId
}

type NewFinancialRecord struct {
	ProjectId       int             `json:"project_id" validate:"required,gt=0"`
	RecordNumber    string          `json:"record_number" validate:"required"`
	Description     string          `json:"description"`
	CommittedAmount decimal.Decimal `json:"committed_amount"`
	ActualAmount    decimal.Decimal `json:"actual_amount"`
	Currency        string          `json:"currency"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	RecordDate      time.Time       `json:"record_date"`
}

func CreateFinancialRecord(ctx context.Context, input *NewFinancialRecord) (*FinancialRecord, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := validateProjectId(ctx, businessId, input.ProjectId); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[FinancialRecord](ctx, businessId, "record_number", input.RecordNumber, 0); err != nil {
		return nil, err
	}

	rate := input.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	record := FinancialRecord{
		BusinessId:      businessId,
		ProjectId:       input.ProjectId,
		RecordNumber:    input.RecordNumber,
		Description:     input.Description,
		CommittedAmount: input.CommittedAmount,
		ActualAmount:    input.ActualAmount,
		Currency:        input.Currency,
		ExchangeRate:    rate,
		RecordDate:      input.RecordDate,
		IsActive:        utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func GetFinancialRecord(ctx context.Context, id int) (*FinancialRecord, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[FinancialRecord](ctx, businessId, id)
}

// ProjectFinancialRecords lists the active financial records of a project.
func ProjectFinancialRecords(ctx context.Context, projectId int) ([]*FinancialRecord, error) {
	db := config.GetDB()
	var records []*FinancialRecord
	err := db.WithContext(ctx).
		Where("project_id = ? AND is_active = true", projectId).
		Order("id").Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// unlinkedFinancialTotals sums committed/actual over a project's active
// financial records, excluding every record with an active breakdown link.
// Linked records are already represented by their breakdown node, so adding
// them again would double count.
func unlinkedFinancialTotals(ctx context.Context, projectId int) (committed decimal.Decimal, actual decimal.Decimal, err error) {
	db := config.GetDB()

	type sums struct {
		Committed decimal.Decimal
		Actual    decimal.Decimal
	}
	var s sums
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return decimal.Zero, decimal.Zero, errors.New("business id is required")
	}

	sql := `
SELECT
	COALESCE(SUM(fr.committed_amount), 0) AS committed,
	COALESCE(SUM(fr.actual_amount), 0) AS actual
FROM
	financial_records fr
WHERE
	fr.business_id = @businessId
	AND fr.project_id = @projectId
	AND fr.is_active = true
	AND NOT EXISTS (
		SELECT 1 FROM financial_links fl
		WHERE fl.record_id = fr.id AND fl.is_active = true
	)
`
	err = db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
		"projectId":  projectId,
	}).Scan(&s).Error
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return s.Committed, s.Actual, nil
}
