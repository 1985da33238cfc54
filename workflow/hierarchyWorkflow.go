package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/models"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CreateNode inserts a node under the given parent (ParentId = 0 for a new
// root). The derived level must stay within the depth bound, the parent must
// be an active node of the same project, and a non-empty structure code must
// be unique among the project's active nodes.
func CreateNode(ctx context.Context, input *models.NewBreakdownNode) (*models.BreakdownNode, error) {

	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.BreakdownType == "" {
		input.BreakdownType = models.BreakdownTypeCustomHierarchy
	}
	if !input.BreakdownType.IsValid() {
		return nil, &utils.ValidationError{Field: "breakdown_type", Message: fmt.Sprintf("unknown breakdown type %q", input.BreakdownType)}
	}

	project, err := models.GetProject(ctx, input.ProjectId)
	if err != nil {
		return nil, err
	}

	lock, err := AcquireProjectLock(ctx, input.ProjectId)
	if err != nil {
		return nil, err
	}
	defer ReleaseProjectLock(ctx, lock)

	level := 0
	if input.ParentId != 0 {
		parent, err := models.GetBreakdownNode(ctx, input.ParentId)
		if err != nil {
			if utils.IsNotFound(err) {
				return nil, &utils.HierarchyIntegrityError{Reason: fmt.Sprintf("parent %d not found", input.ParentId)}
			}
			return nil, err
		}
		if parent.ProjectId != input.ProjectId {
			return nil, &utils.HierarchyIntegrityError{NodeId: parent.ID, Reason: "parent belongs to a different project"}
		}
		if !utils.DereferencePtr(parent.IsActive) {
			return nil, &utils.HierarchyIntegrityError{NodeId: parent.ID, Reason: "parent is deleted"}
		}
		level = parent.Level + 1
		if level > models.MaxHierarchyLevel {
			return nil, &utils.HierarchyIntegrityError{NodeId: parent.ID,
				Reason: fmt.Sprintf("child would sit at level %d, beyond the maximum of %d", level, models.MaxHierarchyLevel)}
		}
	}

	if input.Code != "" {
		existing, err := models.GetNodeByCode(ctx, input.ProjectId, input.Code)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &utils.ValidationError{Field: "code", Message: fmt.Sprintf("structure code %q already in use", input.Code)}
		}
	}

	currency := input.Currency
	if currency == "" {
		currency = project.Currency
	}
	exchangeRate := decimal.NewFromInt(1)
	if input.ExchangeRate != nil {
		exchangeRate = *input.ExchangeRate
	}
	userId, _ := utils.GetUserIdFromContext(ctx)

	node := &models.BreakdownNode{
		BusinessId:        businessId,
		ProjectId:         input.ProjectId,
		Name:              input.Name,
		Code:              input.Code,
		ExternalReference: input.ExternalReference,
		ParentId:          input.ParentId,
		Level:             level,
		CostCenter:        input.CostCenter,
		LedgerAccount:     input.LedgerAccount,
		BreakdownType:     input.BreakdownType,
		Category:          input.Category,
		SubCategory:       input.SubCategory,
		PlannedAmount:     input.PlannedAmount,
		CommittedAmount:   input.CommittedAmount,
		ActualAmount:      input.ActualAmount,
		Currency:          currency,
		ExchangeRate:      exchangeRate,
		Metadata:          input.Metadata,
		Tags:              input.Tags,
		Version:           1,
		IsActive:          utils.NewTrue(),
		CreatedBy:         userId,
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(node).Error; err != nil {
			return err
		}
		if _, err := models.RecordVersion(tx, node.ID, models.VersionActionCreate, nil, node); err != nil {
			return err
		}
		return queueAlertOnChange(tx, nil, node)
	})
	if err != nil {
		config.LogError(logger, "hierarchyWorkflow", "CreateNode", "create", node, err)
		return nil, err
	}

	models.InvalidateAggregateCache(businessId, node.ProjectId)
	return node, nil
}

// UpdateNodeInput carries a partial node update. Nil pointers leave the
// corresponding field untouched. ExpectedVersion must match the stored row.
type UpdateNodeInput struct {
	ExpectedVersion int                `json:"expected_version" validate:"required,gt=0"`
	Name            *string            `json:"name"`
	CostCenter      *string            `json:"cost_center"`
	LedgerAccount   *string            `json:"ledger_account"`
	Category        *string            `json:"category"`
	SubCategory     *string            `json:"sub_category"`
	PlannedAmount   *decimal.Decimal   `json:"planned_amount"`
	CommittedAmount *decimal.Decimal   `json:"committed_amount"`
	ActualAmount    *decimal.Decimal   `json:"actual_amount"`
	Currency        *string            `json:"currency"`
	ExchangeRate    *decimal.Decimal   `json:"exchange_rate"`
	Metadata        models.MetadataMap `json:"metadata"`
	Tags            models.TagList     `json:"tags"`
}

// UpdateNode applies a partial update under an optimistic version check.
// A stale ExpectedVersion yields a ConcurrencyError and changes nothing.
func UpdateNode(ctx context.Context, nodeId int, input *UpdateNodeInput) (*models.BreakdownNode, error) {

	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	node, err := models.GetBreakdownNode(ctx, nodeId)
	if err != nil {
		return nil, err
	}
	if !utils.DereferencePtr(node.IsActive) {
		return nil, utils.ErrorRecordNotFound
	}

	lock, err := AcquireProjectLock(ctx, node.ProjectId)
	if err != nil {
		return nil, err
	}
	defer ReleaseProjectLock(ctx, lock)

	if node.Version != input.ExpectedVersion {
		return nil, &utils.ConcurrencyError{Resource: "breakdown_node", Id: node.ID, ExpectedVersion: input.ExpectedVersion}
	}

	before := *node
	applyUpdate(node, input)
	node.Version = before.Version + 1

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.BreakdownNode{}).
			Where("id = ? AND version = ?", node.ID, before.Version).
			Select("name", "cost_center", "ledger_account", "category", "sub_category",
				"planned_amount", "committed_amount", "actual_amount",
				"currency", "exchange_rate", "metadata", "tags", "version").
			Updates(node)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return &utils.ConcurrencyError{Resource: "breakdown_node", Id: node.ID, ExpectedVersion: input.ExpectedVersion}
		}
		if _, err := models.RecordVersion(tx, node.ID, models.VersionActionUpdate, &before, node); err != nil {
			return err
		}
		return queueAlertOnChange(tx, &before, node)
	})
	if err != nil {
		config.LogError(logger, "hierarchyWorkflow", "UpdateNode", "update", node, err)
		return nil, err
	}

	models.EvictNodeCache(node.ID)
	models.InvalidateAggregateCache(businessId, node.ProjectId)
	return node, nil
}

func applyUpdate(node *models.BreakdownNode, input *UpdateNodeInput) {
	if input.Name != nil {
		node.Name = *input.Name
	}
	if input.CostCenter != nil {
		node.CostCenter = *input.CostCenter
	}
	if input.LedgerAccount != nil {
		node.LedgerAccount = *input.LedgerAccount
	}
	if input.Category != nil {
		node.Category = *input.Category
	}
	if input.SubCategory != nil {
		node.SubCategory = *input.SubCategory
	}
	if input.PlannedAmount != nil {
		node.PlannedAmount = *input.PlannedAmount
	}
	if input.CommittedAmount != nil {
		node.CommittedAmount = *input.CommittedAmount
	}
	if input.ActualAmount != nil {
		node.ActualAmount = *input.ActualAmount
	}
	if input.Currency != nil {
		node.Currency = *input.Currency
	}
	if input.ExchangeRate != nil {
		node.ExchangeRate = *input.ExchangeRate
	}
	if input.Metadata != nil {
		node.Metadata = input.Metadata
	}
	if input.Tags != nil {
		node.Tags = input.Tags
	}
}

// queueAlertOnChange queues a variance alert inside the mutation transaction
// when the node's status crossed upward past a threshold. A brand new node is
// judged against an on-track baseline.
func queueAlertOnChange(tx *gorm.DB, before *models.BreakdownNode, after *models.BreakdownNode) error {
	th := config.GetVarianceThresholds()
	prev := models.VarianceStatusOnTrack
	if before != nil {
		prev = before.Variance(th).Status
	}
	current := after.Variance(th)
	if !current.Status.CrossedAbove(prev) {
		return nil
	}
	return models.QueueVarianceAlert(tx, after, prev, current.Status, current.VariancePct)
}

// MoveNode re-parents a node together with its whole subtree. The target
// parent must not sit inside the moving subtree, and the deepest descendant
// must still fit within the depth bound after the move.
func MoveNode(ctx context.Context, nodeId int, newParentId int) (*models.BreakdownNode, error) {

	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	node, err := models.GetBreakdownNode(ctx, nodeId)
	if err != nil {
		return nil, err
	}
	if !utils.DereferencePtr(node.IsActive) {
		return nil, utils.ErrorRecordNotFound
	}
	if newParentId == node.ParentId {
		return node, nil
	}

	lock, err := AcquireProjectLock(ctx, node.ProjectId)
	if err != nil {
		return nil, err
	}
	defer ReleaseProjectLock(ctx, lock)

	// inactive descendants move along so their levels stay consistent
	// if they are ever restored
	subtree, err := models.GetSubtree(ctx, nodeId, true)
	if err != nil {
		return nil, err
	}

	newLevel := 0
	if newParentId != 0 {
		if err := checkMoveTarget(nodeId, subtree, newParentId); err != nil {
			return nil, err
		}
		parent, err := models.GetBreakdownNode(ctx, newParentId)
		if err != nil {
			if utils.IsNotFound(err) {
				return nil, &utils.HierarchyIntegrityError{NodeId: nodeId, Reason: fmt.Sprintf("target parent %d not found", newParentId)}
			}
			return nil, err
		}
		if parent.ProjectId != node.ProjectId {
			return nil, &utils.HierarchyIntegrityError{NodeId: nodeId, Reason: "target parent belongs to a different project"}
		}
		if !utils.DereferencePtr(parent.IsActive) {
			return nil, &utils.HierarchyIntegrityError{NodeId: newParentId, Reason: "target parent is deleted"}
		}
		// walking the full chain also rejects a cycle that a corrupted
		// level column would hide from the direct subtree check
		chain, err := models.GetAncestorChain(ctx, newParentId)
		if err != nil {
			return nil, err
		}
		for _, a := range chain {
			if a.ID == nodeId {
				return nil, &utils.HierarchyIntegrityError{NodeId: nodeId, Reason: "move would create a cycle"}
			}
		}
		newLevel = parent.Level + 1
	}

	delta := newLevel - node.Level
	if deepest := maxSubtreeLevel(subtree); deepest+delta > models.MaxHierarchyLevel {
		return nil, &utils.HierarchyIntegrityError{NodeId: nodeId,
			Reason: fmt.Sprintf("deepest descendant would sit at level %d, beyond the maximum of %d", deepest+delta, models.MaxHierarchyLevel)}
	}

	before := *node
	node.ParentId = newParentId
	node.Level = newLevel
	node.Version = before.Version + 1

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.BreakdownNode{}).
			Where("id = ? AND version = ?", node.ID, before.Version).
			Updates(map[string]interface{}{"parent_id": newParentId, "level": newLevel, "version": node.Version})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return &utils.ConcurrencyError{Resource: "breakdown_node", Id: node.ID, ExpectedVersion: before.Version}
		}
		if delta != 0 {
			descendantIds := make([]int, 0, len(subtree))
			for _, d := range subtree {
				if d.ID != node.ID {
					descendantIds = append(descendantIds, d.ID)
				}
			}
			if len(descendantIds) > 0 {
				if err := tx.Model(&models.BreakdownNode{}).
					Where("id IN ?", descendantIds).
					Update("level", gorm.Expr("level + ?", delta)).Error; err != nil {
					return err
				}
			}
		}
		_, err := models.RecordVersion(tx, node.ID, models.VersionActionMove, &before, node)
		return err
	})
	if err != nil {
		config.LogError(logger, "hierarchyWorkflow", "MoveNode", "move", node, err)
		return nil, err
	}

	evictIds := make([]int, 0, len(subtree))
	for _, n := range subtree {
		evictIds = append(evictIds, n.ID)
	}
	models.EvictNodeCache(evictIds...)
	models.InvalidateAggregateCache(businessId, node.ProjectId)
	return node, nil
}

// checkMoveTarget rejects a target parent that is the node itself or any of
// its descendants.
func checkMoveTarget(nodeId int, subtree []*models.BreakdownNode, newParentId int) error {
	if newParentId == nodeId {
		return &utils.HierarchyIntegrityError{NodeId: nodeId, Reason: "a node cannot be its own parent"}
	}
	for _, n := range subtree {
		if n.ID == newParentId {
			return &utils.HierarchyIntegrityError{NodeId: nodeId, Reason: "target parent is inside the moving subtree"}
		}
	}
	return nil
}

func maxSubtreeLevel(subtree []*models.BreakdownNode) int {
	deepest := 0
	for _, n := range subtree {
		if n.Level > deepest {
			deepest = n.Level
		}
	}
	return deepest
}

// DeleteNode soft-deletes a node. What happens to its children depends on the
// policy: reassign them to the deleted node's parent, cascade the delete over
// the whole subtree, or refuse when children exist. Every affected node gets
// its own version record, so the history shows the full blast radius.
func DeleteNode(ctx context.Context, nodeId int, policy models.DeletePolicy) error {

	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return errors.New("business id is required")
	}

	node, err := models.GetBreakdownNode(ctx, nodeId)
	if err != nil {
		return err
	}
	if !utils.DereferencePtr(node.IsActive) {
		return utils.ErrorRecordNotFound
	}

	lock, err := AcquireProjectLock(ctx, node.ProjectId)
	if err != nil {
		return err
	}
	defer ReleaseProjectLock(ctx, lock)

	children, err := models.GetChildren(ctx, nodeId, false, false)
	if err != nil {
		return err
	}

	// the whole subtree can be touched (reassign shifts descendant levels,
	// cascade deactivates everything), so collect ids for eviction up front
	fullSubtree, err := models.GetSubtree(ctx, nodeId, true)
	if err != nil {
		return err
	}
	evictIds := make([]int, 0, len(fullSubtree))
	for _, n := range fullSubtree {
		evictIds = append(evictIds, n.ID)
	}

	db := config.GetDB()
	switch policy {
	case models.DeletePolicyBlockIfChildren:
		if len(children) > 0 {
			return &utils.ValidationError{Field: "id", Message: fmt.Sprintf("node %d has %d active children", nodeId, len(children))}
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return softDeleteNode(tx, node)
		})

	case models.DeletePolicyReassignChildren:
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, child := range children {
				if err := reassignChild(ctx, tx, child, node.ParentId, node.Level); err != nil {
					return err
				}
			}
			return softDeleteNode(tx, node)
		})

	case models.DeletePolicyCascade:
		var subtree []*models.BreakdownNode
		subtree, err = models.GetSubtree(ctx, nodeId, false)
		if err != nil {
			return err
		}
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// children before parents so a crash mid-way never strands
			// an active child under a deleted parent
			for i := len(subtree) - 1; i >= 0; i-- {
				if err := softDeleteNode(tx, subtree[i]); err != nil {
					return err
				}
			}
			return nil
		})

	default:
		return &utils.ValidationError{Field: "policy", Message: fmt.Sprintf("unknown delete policy %q", policy)}
	}

	if err != nil {
		config.LogError(logger, "hierarchyWorkflow", "DeleteNode", string(policy), node, err)
		return err
	}

	models.EvictNodeCache(evictIds...)
	models.InvalidateAggregateCache(businessId, node.ProjectId)
	return nil
}

func softDeleteNode(tx *gorm.DB, node *models.BreakdownNode) error {
	before := *node
	node.IsActive = utils.NewFalse()
	node.Version = before.Version + 1
	result := tx.Model(&models.BreakdownNode{}).
		Where("id = ? AND version = ?", node.ID, before.Version).
		Updates(map[string]interface{}{"is_active": false, "version": node.Version})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &utils.ConcurrencyError{Resource: "breakdown_node", Id: node.ID, ExpectedVersion: before.Version}
	}
	_, err := models.RecordVersion(tx, node.ID, models.VersionActionDelete, &before, node)
	return err
}

// reassignChild lifts a child (and its subtree) one level up to the deleted
// node's parent.
func reassignChild(ctx context.Context, tx *gorm.DB, child *models.BreakdownNode, newParentId int, newLevel int) error {
	before := *child
	child.ParentId = newParentId
	child.Level = newLevel
	child.Version = before.Version + 1
	result := tx.Model(&models.BreakdownNode{}).
		Where("id = ? AND version = ?", child.ID, before.Version).
		Updates(map[string]interface{}{"parent_id": newParentId, "level": newLevel, "version": child.Version})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &utils.ConcurrencyError{Resource: "breakdown_node", Id: child.ID, ExpectedVersion: before.Version}
	}
	delta := newLevel - before.Level
	if delta != 0 {
		descendants, err := models.GetChildren(ctx, child.ID, true, true)
		if err != nil {
			return err
		}
		if len(descendants) > 0 {
			ids := make([]int, 0, len(descendants))
			for _, d := range descendants {
				ids = append(ids, d.ID)
			}
			if err := tx.Model(&models.BreakdownNode{}).
				Where("id IN ?", ids).
				Update("level", gorm.Expr("level + ?", delta)).Error; err != nil {
				return err
			}
		}
	}
	_, err := models.RecordVersion(tx, child.ID, models.VersionActionMove, &before, child)
	return err
}
