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
	"github.com/shopspring/decimal"
)

// MetadataMap holds open custom attributes. The core stores and returns them
// verbatim; values are NOT validated here.
type MetadataMap map[string]string

func (m MetadataMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *MetadataMap) Scan(value interface{}) error {
	if value == nil {
		*m = MetadataMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("cannot scan %T into MetadataMap", value)
}

type TagList []string

func (t TagList) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal(t)
	return string(b), err
}

func (t *TagList) Scan(value interface{}) error {
	if value == nil {
		*t = TagList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	}
	return fmt.Errorf("cannot scan %T into TagList", value)
}

func (t TagList) Contains(tag string) bool {
	for _, v := range t {
		if v == tag {
			return true
		}
	}
	return false
}

// BreakdownNode is one entry (leaf or grouping) in a project's hierarchical
// cost structure. ParentId = 0 marks a root; Level is derived (root = 0,
// else parent.Level+1) and never exceeds MaxHierarchyLevel.
type BreakdownNode struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"index;not null" json:"business_id"`
	ProjectId         int             `gorm:"index;not null" json:"project_id"`
	Name              string          `gorm:"size:255;not null" json:"name"`
	Code              string          `gorm:"index;size:100" json:"code"`
	ExternalReference string          `gorm:"index;size:100" json:"external_reference"`
	ParentId          int             `gorm:"index;not null;default:0" json:"parent_id"`
	Level             int             `gorm:"not null;default:0" json:"level"`
	CostCenter        string          `gorm:"size:100" json:"cost_center"`
	LedgerAccount     string          `gorm:"size:100" json:"ledger_account"`
	BreakdownType     BreakdownType   `gorm:"size:30;not null;default:'custom_hierarchy'" json:"breakdown_type"`
	Category          string          `gorm:"size:100" json:"category"`
	SubCategory       string          `gorm:"size:100" json:"sub_category"`
	PlannedAmount     decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"planned_amount"`
	CommittedAmount   decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"committed_amount"`
	ActualAmount      decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"actual_amount"`
	Currency          string          `gorm:"size:3" json:"currency"`
	ExchangeRate      decimal.Decimal `gorm:"type:decimal(20,6);not null;default:1" json:"exchange_rate"`
	Metadata          MetadataMap     `gorm:"type:text" json:"metadata"`
	Tags              TagList         `gorm:"type:text" json:"tags"`
	Version           int             `gorm:"not null;default:1" json:"version"`
	IsActive          *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedBy         int             `gorm:"index" json:"created_by"`
	ImportBatchId     int             `gorm:"index;not null;default:0" json:"import_batch_id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (n BreakdownNode) GetBusinessId() string {
	return n.BusinessId
}

func (n BreakdownNode) IsRoot() bool {
	return n.ParentId == 0
}

// NewBreakdownNode is the create/update input. Currency defaults to the
// project currency and ExchangeRate to 1 when unset.
type NewBreakdownNode struct {
	ProjectId         int              `json:"project_id" validate:"required,gt=0"`
	Name              string           `json:"name" validate:"required"`
	Code              string           `json:"code"`
	ExternalReference string           `json:"external_reference"`
	ParentId          int              `json:"parent_id" validate:"gte=0"`
	CostCenter        string           `json:"cost_center"`
	LedgerAccount     string           `json:"ledger_account"`
	BreakdownType     BreakdownType    `json:"breakdown_type"`
	Category          string           `json:"category"`
	SubCategory       string           `json:"sub_category"`
	PlannedAmount     decimal.Decimal  `json:"planned_amount"`
	CommittedAmount   decimal.Decimal  `json:"committed_amount"`
	ActualAmount      decimal.Decimal  `json:"actual_amount"`
	Currency          string           `json:"currency"`
	ExchangeRate      *decimal.Decimal `json:"exchange_rate"`
	Metadata          MetadataMap      `json:"metadata"`
	Tags              TagList          `json:"tags"`
}

func GetBreakdownNode(ctx context.Context, id int) (*BreakdownNode, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if cached, err := utils.RetrieveRedis[BreakdownNode](id); err == nil && cached != nil && cached.BusinessId == businessId {
		return cached, nil
	}
	node, err := utils.FetchModel[BreakdownNode](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	// cache write failure never fails the read
	_ = utils.StoreRedis[BreakdownNode](node, node.ID)
	return node, nil
}

// EvictNodeCache drops cached copies of the given nodes. Writers call this
// after committing a node row change, before the project lock is released.
func EvictNodeCache(nodeIds ...int) {
	for _, id := range nodeIds {
		_ = utils.RemoveRedisItem[BreakdownNode](id)
	}
}

// GetNodeByCode finds an active node by structure code within a project.
// Returns nil when absent.
func GetNodeByCode(ctx context.Context, projectId int, code string) (*BreakdownNode, error) {
	if code == "" {
		return nil, nil
	}
	db := config.GetDB()
	var nodes []*BreakdownNode
	err := db.WithContext(ctx).
		Where("project_id = ? AND code = ? AND is_active = true", projectId, code).
		Limit(1).Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// GetNodeByExternalRef finds an active node by external source reference
// within a project. Returns nil when absent.
func GetNodeByExternalRef(ctx context.Context, projectId int, ref string) (*BreakdownNode, error) {
	if ref == "" {
		return nil, nil
	}
	db := config.GetDB()
	var nodes []*BreakdownNode
	err := db.WithContext(ctx).
		Where("project_id = ? AND external_reference = ? AND is_active = true", projectId, ref).
		Limit(1).Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// GetChildren returns the direct (or, with recursive, all) descendants of a
// node. Inactive nodes are excluded unless includeInactive is set.
func GetChildren(ctx context.Context, parentId int, recursive bool, includeInactive bool) ([]*BreakdownNode, error) {
	if !recursive {
		return childrenOf(ctx, []int{parentId}, includeInactive)
	}

	var all []*BreakdownNode
	frontier := []int{parentId}
	// level-by-level walk; the depth bound also breaks out of any
	// parent-id corruption that would otherwise loop forever
	for depth := 0; depth <= MaxHierarchyLevel && len(frontier) > 0; depth++ {
		nodes, err := childrenOf(ctx, frontier, includeInactive)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			break
		}
		all = append(all, nodes...)
		frontier = frontier[:0]
		for _, n := range nodes {
			frontier = append(frontier, n.ID)
		}
	}
	return all, nil
}

func childrenOf(ctx context.Context, parentIds []int, includeInactive bool) ([]*BreakdownNode, error) {
	db := config.GetDB()
	var nodes []*BreakdownNode
	dbCtx := db.WithContext(ctx).Where("parent_id IN ?", parentIds)
	if !includeInactive {
		dbCtx = dbCtx.Where("is_active = true")
	}
	if err := dbCtx.Order("id").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetSubtree returns the node itself plus all of its descendants.
func GetSubtree(ctx context.Context, nodeId int, includeInactive bool) ([]*BreakdownNode, error) {
	root, err := GetBreakdownNode(ctx, nodeId)
	if err != nil {
		return nil, err
	}
	if !includeInactive && !utils.DereferencePtr(root.IsActive) {
		return []*BreakdownNode{}, nil
	}
	descendants, err := GetChildren(ctx, nodeId, true, includeInactive)
	if err != nil {
		return nil, err
	}
	return append([]*BreakdownNode{root}, descendants...), nil
}

// GetAncestorChain walks parent links from the given node (inclusive) up to
// its root. The walk is bounded by MaxHierarchyLevel; exceeding the bound
// means the stored tree is corrupt and yields a HierarchyIntegrityError.
func GetAncestorChain(ctx context.Context, nodeId int) ([]*BreakdownNode, error) {
	var chain []*BreakdownNode
	currentId := nodeId
	for i := 0; i <= MaxHierarchyLevel+1; i++ {
		node, err := GetBreakdownNode(ctx, currentId)
		if err != nil {
			return nil, err
		}
		chain = append(chain, node)
		if node.ParentId == 0 {
			return chain, nil
		}
		currentId = node.ParentId
	}
	return nil, &utils.HierarchyIntegrityError{NodeId: nodeId, Reason: "ancestor chain exceeds max depth"}
}

// ProjectNodes lists every node of a project, excluding inactive nodes
// unless includeInactive is set.
func ProjectNodes(ctx context.Context, projectId int, includeInactive bool) ([]*BreakdownNode, error) {
	db := config.GetDB()
	var nodes []*BreakdownNode
	dbCtx := db.WithContext(ctx).Where("project_id = ?", projectId)
	if !includeInactive {
		dbCtx = dbCtx.Where("is_active = true")
	}
	if err := dbCtx.Order("id").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// snapshotJSON renders a node for before/after version records.
func (n *BreakdownNode) snapshotJSON() string {
	s, _ := utils.MarshalToJSON(n)
	return s
}
