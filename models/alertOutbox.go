package models

import (
	"time"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// VarianceAlertRecord implements a transactional outbox for variance alerts:
// the row is written inside the mutating transaction; publishing to the
// notification collaborator happens asynchronously after commit.
type VarianceAlertRecord struct {
	ID               int                `gorm:"primary_key" json:"id"`
	BusinessId       string             `gorm:"index;not null" json:"business_id"`
	ProjectId        int                `gorm:"index;not null" json:"project_id"`
	NodeId           int                `gorm:"index;not null" json:"node_id"`
	PreviousStatus   VarianceStatus     `gorm:"size:20;not null" json:"previous_status"`
	CurrentStatus    VarianceStatus     `gorm:"size:20;not null" json:"current_status"`
	ThresholdCrossed string             `gorm:"size:40" json:"threshold_crossed"`
	VariancePct      *decimal.Decimal   `gorm:"type:decimal(20,6)" json:"variance_pct"`
	PublishStatus    AlertPublishStatus `gorm:"size:10;not null;default:'PENDING'" json:"publish_status"`
	PublishAttempts  int                `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time         `json:"next_attempt_at"`
	LockedAt         *time.Time         `json:"locked_at"`
	LockedBy         *string            `gorm:"size:40" json:"locked_by"`
	LastPublishError *string            `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string             `gorm:"size:40" json:"correlation_id"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"created_at"`
	PublishedAt      *time.Time         `json:"published_at"`
}

// QueueVarianceAlert writes an alert outbox row in the caller's transaction.
func QueueVarianceAlert(tx *gorm.DB, node *BreakdownNode, prev VarianceStatus, current VarianceStatus, pct *decimal.Decimal) error {
	if config.DisableVarianceAlerts() {
		return nil
	}

	ctx := tx.Statement.Context
	correlationId := ""
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			correlationId = v
		}
	}
	if correlationId == "" {
		correlationId = uuid.NewString()
	}

	record := VarianceAlertRecord{
		BusinessId:       node.BusinessId,
		ProjectId:        node.ProjectId,
		NodeId:           node.ID,
		PreviousStatus:   prev,
		CurrentStatus:    current,
		ThresholdCrossed: string(prev) + "->" + string(current),
		VariancePct:      pct,
		PublishStatus:    AlertPublishStatusPending,
		CorrelationId:    correlationId,
	}
	return tx.Create(&record).Error
}

// ToMessage renders the outbox row as the published payload.
func (r VarianceAlertRecord) ToMessage() config.VarianceAlertMessage {
	return config.VarianceAlertMessage{
		ID:               r.ID,
		BusinessId:       r.BusinessId,
		ProjectId:        r.ProjectId,
		NodeId:           r.NodeId,
		PreviousStatus:   string(r.PreviousStatus),
		CurrentStatus:    string(r.CurrentStatus),
		ThresholdCrossed: r.ThresholdCrossed,
		VariancePct:      r.VariancePct,
		CorrelationId:    r.CorrelationId,
		OccurredAt:       r.CreatedAt,
	}
}
