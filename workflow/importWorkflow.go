package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/models"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// ImportRow is one raw source row, keyed by source column header.
type ImportRow map[string]string

// ColumnMapping maps canonical field names to source column headers.
// Recognised fields: name, code, parent_code, external_reference,
// breakdown_type, cost_center, ledger_account, category, sub_category,
// planned_amount, committed_amount, actual_amount, currency, exchange_rate.
// Source columns the mapping never references are carried into the node's
// metadata verbatim.
type ColumnMapping map[string]string

// RowError is a per-row problem detected before or during commit. Rows with
// errors are counted as failed; the rest of the batch proceeds.
type RowError struct {
	RowNo   int    `json:"row_no"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// RowSpec is one mapped and parsed source row. Code doubles as the in-batch
// hierarchy key: ParentCode references another row's Code or an existing
// node's structure code.
type RowSpec struct {
	RowNo             int
	Name              string `validate:"required"`
	Code              string
	ParentCode        string
	ExternalReference string
	BreakdownType     models.BreakdownType
	CostCenter        string
	LedgerAccount     string
	Category          string
	SubCategory       string
	PlannedAmount     decimal.Decimal
	CommittedAmount   decimal.Decimal
	ActualAmount      decimal.Decimal
	Currency          string
	ExchangeRate      decimal.Decimal
	Metadata          models.MetadataMap
	Tags              models.TagList
}

type ImportOptions struct {
	// DefaultPolicy applies to any conflict kind without an explicit entry
	// in PolicyByKind. Empty means manual.
	DefaultPolicy models.ResolutionPolicy
	PolicyByKind  map[models.ConflictKind]models.ResolutionPolicy
	// CreateMissingParents synthesizes placeholder parents for parent codes
	// that resolve to nothing; otherwise such rows conflict.
	CreateMissingParents bool
	// CancelCheckEvery controls how many rows are committed between reads
	// of the batch's cancel marker. Defaults to 25.
	CancelCheckEvery int
}

// ImportResult is the caller-facing outcome of one batch run.
type ImportResult struct {
	Batch     *models.ImportBatch  `json:"batch"`
	Created   int                  `json:"created"`
	Updated   int                  `json:"updated"`
	Skipped   int                  `json:"skipped"`
	Failed    int                  `json:"failed"`
	Cancelled bool                 `json:"cancelled"`
	Errors    []RowError           `json:"errors"`
	Conflicts []models.RowConflict `json:"conflicts"`
}

var mappableFields = []string{
	"name", "code", "parent_code", "external_reference", "breakdown_type",
	"cost_center", "ledger_account", "category", "sub_category",
	"planned_amount", "committed_amount", "actual_amount", "currency", "exchange_rate",
}

// MapRows applies the column mapping to raw rows and parses amounts. Rows
// that fail to parse come back as RowErrors instead of specs. Row numbers
// are 1-based.
func MapRows(rows []ImportRow, mapping ColumnMapping) ([]*RowSpec, []RowError) {

	mappedColumns := map[string]bool{}
	for _, field := range mappableFields {
		if col, ok := mapping[field]; ok {
			mappedColumns[col] = true
		}
	}

	var specs []*RowSpec
	var rowErrors []RowError

	for i, row := range rows {
		rowNo := i + 1
		get := func(field string) string {
			col, ok := mapping[field]
			if !ok {
				return ""
			}
			return row[col]
		}

		spec := &RowSpec{
			RowNo:             rowNo,
			Name:              get("name"),
			Code:              get("code"),
			ParentCode:        get("parent_code"),
			ExternalReference: get("external_reference"),
			BreakdownType:     models.BreakdownType(get("breakdown_type")),
			CostCenter:        get("cost_center"),
			LedgerAccount:     get("ledger_account"),
			Category:          get("category"),
			SubCategory:       get("sub_category"),
			Currency:          get("currency"),
			Metadata:          models.MetadataMap{},
		}

		parseFailed := false
		for _, amt := range []struct {
			field string
			dest  *decimal.Decimal
		}{
			{"planned_amount", &spec.PlannedAmount},
			{"committed_amount", &spec.CommittedAmount},
			{"actual_amount", &spec.ActualAmount},
			{"exchange_rate", &spec.ExchangeRate},
		} {
			raw := get(amt.field)
			if raw == "" {
				continue
			}
			value, err := utils.ParseDecimal(raw)
			if err != nil {
				rowErrors = append(rowErrors, RowError{RowNo: rowNo, Field: amt.field,
					Message: fmt.Sprintf("cannot parse %q as a number", raw)})
				parseFailed = true
				continue
			}
			*amt.dest = value
		}
		if parseFailed {
			continue
		}
		if spec.ExchangeRate.IsZero() {
			spec.ExchangeRate = decimal.NewFromInt(1)
		}

		for col, value := range row {
			if !mappedColumns[col] && value != "" {
				spec.Metadata[col] = value
			}
		}
		specs = append(specs, spec)
	}
	return specs, rowErrors
}

// ValidateRows checks mapped specs for required fields and known breakdown
// types. Invalid rows come back as errors; the valid remainder is returned.
func ValidateRows(specs []*RowSpec) ([]*RowSpec, []RowError) {
	var valid []*RowSpec
	var rowErrors []RowError
	for _, spec := range specs {
		if fields := utils.ValidateStructFields(spec); len(fields) > 0 {
			names := make([]string, 0, len(fields))
			for f := range fields {
				names = append(names, f)
			}
			sort.Strings(names)
			for _, f := range names {
				rowErrors = append(rowErrors, RowError{RowNo: spec.RowNo, Field: strings.ToLower(f), Message: fields[f]})
			}
			continue
		}
		if spec.BreakdownType != "" && !spec.BreakdownType.IsValid() {
			rowErrors = append(rowErrors, RowError{RowNo: spec.RowNo, Field: "breakdown_type",
				Message: fmt.Sprintf("unknown breakdown type %q", spec.BreakdownType)})
			continue
		}
		if spec.BreakdownType == "" {
			spec.BreakdownType = models.BreakdownTypeCustomHierarchy
		}
		valid = append(valid, spec)
	}
	return valid, rowErrors
}

// OrderRows sorts specs parents-first by their in-batch parent code
// references, so a child row always commits after its parent row. Rows whose
// parent codes form a cycle come back as errors. Rows referencing codes not
// present in the batch keep their relative order; their parents are resolved
// against the store at commit time.
func OrderRows(specs []*RowSpec) ([]*RowSpec, []RowError) {

	byCode := map[string]*RowSpec{}
	for _, spec := range specs {
		if spec.Code != "" {
			byCode[spec.Code] = spec
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[int]int{}
	var ordered []*RowSpec
	var rowErrors []RowError

	var visit func(spec *RowSpec) bool
	visit = func(spec *RowSpec) bool {
		switch state[spec.RowNo] {
		case done:
			return true
		case visiting:
			return false
		}
		state[spec.RowNo] = visiting
		if parent, ok := byCode[spec.ParentCode]; ok && parent != spec {
			if !visit(parent) {
				state[spec.RowNo] = done
				rowErrors = append(rowErrors, RowError{RowNo: spec.RowNo, Field: "parent_code",
					Message: fmt.Sprintf("parent reference cycle through code %q", spec.ParentCode)})
				return false
			}
		} else if ok && parent == spec {
			state[spec.RowNo] = done
			rowErrors = append(rowErrors, RowError{RowNo: spec.RowNo, Field: "parent_code",
				Message: fmt.Sprintf("row references itself as parent via code %q", spec.Code)})
			return false
		}
		state[spec.RowNo] = done
		ordered = append(ordered, spec)
		return true
	}

	for _, spec := range specs {
		visit(spec)
	}
	return ordered, rowErrors
}

// ClassifyConflict matches a row against existing nodes. An external
// reference match wins over a code match; a materially different amount on a
// reference match is flagged separately so it is never silently absorbed.
func ClassifyConflict(spec *RowSpec, byRef *models.BreakdownNode, byCode *models.BreakdownNode, materialDelta decimal.Decimal) *models.RowConflict {
	if byRef != nil {
		if spec.PlannedAmount.Sub(byRef.PlannedAmount).Abs().GreaterThan(materialDelta) ||
			spec.ActualAmount.Sub(byRef.ActualAmount).Abs().GreaterThan(materialDelta) ||
			spec.CommittedAmount.Sub(byRef.CommittedAmount).Abs().GreaterThan(materialDelta) {
			return &models.RowConflict{
				RowNo:          spec.RowNo,
				Kind:           models.ConflictKindAmountMismatch,
				Message:        fmt.Sprintf("external reference %q matches node %d but amounts differ materially", spec.ExternalReference, byRef.ID),
				ExistingNodeId: byRef.ID,
			}
		}
		return &models.RowConflict{
			RowNo:          spec.RowNo,
			Kind:           models.ConflictKindDuplicateExternalRef,
			Message:        fmt.Sprintf("external reference %q already on node %d", spec.ExternalReference, byRef.ID),
			ExistingNodeId: byRef.ID,
		}
	}
	if byCode != nil {
		return &models.RowConflict{
			RowNo:          spec.RowNo,
			Kind:           models.ConflictKindDuplicateCode,
			Message:        fmt.Sprintf("structure code %q already on node %d", spec.Code, byCode.ID),
			ExistingNodeId: byCode.ID,
		}
	}
	return nil
}

// depthConflict flags a row whose resolved parent would push it past the
// hierarchy depth bound. No stored node is implicated, so only skip and
// manual are meaningful resolutions.
func depthConflict(spec *RowSpec, parentId int, parentLevel int) *models.RowConflict {
	if parentId == 0 || parentLevel+1 <= models.MaxHierarchyLevel {
		return nil
	}
	return &models.RowConflict{
		RowNo:   spec.RowNo,
		Kind:    models.ConflictKindInvalidHierarchy,
		Message: fmt.Sprintf("row would sit at level %d, beyond the maximum of %d", parentLevel+1, models.MaxHierarchyLevel),
	}
}

// markConflictResolved itemizes a conflict the configured policy settled
// without operator input.
func markConflictResolved(batch *models.ImportBatch, conflict models.RowConflict, policy models.ResolutionPolicy) {
	conflict.Policy = policy
	conflict.Resolved = true
	batch.Conflicts = append(batch.Conflicts, conflict)
}

func (o ImportOptions) policyFor(kind models.ConflictKind) models.ResolutionPolicy {
	if p, ok := o.PolicyByKind[kind]; ok {
		return p
	}
	if o.DefaultPolicy != "" {
		return o.DefaultPolicy
	}
	return models.ResolutionPolicyManual
}

func (o ImportOptions) cancelCheckEvery() int {
	if o.CancelCheckEvery > 0 {
		return o.CancelCheckEvery
	}
	return 25
}

// ProcessImportBatch runs a pending batch to completion: map, validate,
// order, then commit row by row in its own transaction. Committed rows stay
// committed whatever happens later; a cancel request or a failed row never
// rolls back earlier rows. A fatal problem before any commit marks the whole
// batch failed.
func ProcessImportBatch(ctx context.Context, batchId int, rows []ImportRow, mapping ColumnMapping, opts ImportOptions) (*ImportResult, error) {

	logger := config.GetLogger()

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	batch, err := models.GetImportBatch(ctx, batchId)
	if err != nil {
		return nil, err
	}
	if batch.Status != models.ImportStatusPending {
		return nil, fmt.Errorf("batch %d is %s, not pending", batch.ID, batch.Status)
	}

	project, err := models.GetProject(ctx, batch.ProjectId)
	if err != nil {
		return nil, err
	}

	lock, err := AcquireProjectLock(ctx, batch.ProjectId)
	if err != nil {
		return nil, err
	}
	defer ReleaseProjectLock(ctx, lock)

	if err := batch.MarkProcessing(ctx); err != nil {
		return nil, err
	}
	batch.TotalRows = len(rows)
	result := &ImportResult{Batch: batch}

	if mapping["name"] == "" {
		reason := "column mapping does not cover the name field"
		if err := batch.MarkFailed(ctx, reason); err != nil {
			return nil, err
		}
		return result, &utils.ValidationError{Field: "mapping", Message: reason}
	}

	specs, mapErrors := MapRows(rows, mapping)
	result.Errors = append(result.Errors, mapErrors...)

	specs, validateErrors := ValidateRows(specs)
	result.Errors = append(result.Errors, validateErrors...)

	ordered, orderErrors := OrderRows(specs)
	result.Errors = append(result.Errors, orderErrors...)
	result.Failed = len(result.Errors)

	materialDelta := config.GetMaterialAmountDelta()
	createdByCode := map[string]int{}
	checkEvery := opts.cancelCheckEvery()

	for i, spec := range ordered {
		if i%checkEvery == 0 {
			if ctx.Err() != nil {
				result.Cancelled = true
				break
			}
			cancelled, err := batch.CancelRequestedNow(ctx)
			if err != nil {
				config.LogError(logger, "importWorkflow", "ProcessImportBatch", "cancelCheck", batch, err)
			} else if cancelled {
				result.Cancelled = true
				break
			}
		}
		if err := commitImportRow(ctx, project, batch, spec, opts, materialDelta, createdByCode, result); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, RowError{RowNo: spec.RowNo, Message: err.Error()})
		}
	}

	batch.SucceededRows = result.Created + result.Updated
	batch.SkippedRows = result.Skipped
	batch.FailedRows = result.Failed
	result.Conflicts = batch.Conflicts

	if err := batch.Finalize(ctx, result.Cancelled); err != nil {
		config.LogError(logger, "importWorkflow", "ProcessImportBatch", "finalize", batch, err)
		return result, err
	}

	models.InvalidateAggregateCache(businessId, batch.ProjectId)
	return result, nil
}

// commitImportRow resolves the row's parent, classifies duplicates, applies
// the configured policy and commits the outcome in one transaction.
func commitImportRow(ctx context.Context, project *models.Project, batch *models.ImportBatch,
	spec *RowSpec, opts ImportOptions, materialDelta decimal.Decimal,
	createdByCode map[string]int, result *ImportResult) error {

	parentId, parentLevel, err := resolveImportParent(ctx, project, batch, spec, opts, createdByCode, result)
	if err != nil {
		return err
	}
	if parentId < 0 {
		// parent conflict already accounted for
		return nil
	}
	if conflict := depthConflict(spec, parentId, parentLevel); conflict != nil {
		if opts.policyFor(conflict.Kind) == models.ResolutionPolicyManual {
			conflict.Policy = models.ResolutionPolicyManual
			batch.Conflicts = append(batch.Conflicts, *conflict)
			return nil
		}
		// every non-manual policy degrades to skip: there is no existing
		// node to update and no valid position to create at
		markConflictResolved(batch, *conflict, models.ResolutionPolicySkip)
		result.Skipped++
		return nil
	}

	byRef, err := models.GetNodeByExternalRef(ctx, batch.ProjectId, spec.ExternalReference)
	if err != nil {
		return err
	}
	byCode, err := models.GetNodeByCode(ctx, batch.ProjectId, spec.Code)
	if err != nil {
		return err
	}

	conflict := ClassifyConflict(spec, byRef, byCode, materialDelta)
	if conflict == nil {
		node, err := createImportedNode(ctx, project, batch, spec, parentId, parentLevel)
		if err != nil {
			// a concurrent writer can win the race on a unique index
			// between the duplicate lookup and the insert
			if isDuplicateKeyErr(err) {
				return &utils.ConflictError{Kind: string(models.ConflictKindDuplicateCode), RowNo: spec.RowNo, Message: err.Error()}
			}
			return err
		}
		if spec.Code != "" {
			createdByCode[spec.Code] = node.ID
		}
		result.Created++
		return nil
	}

	existing := byRef
	if existing == nil {
		existing = byCode
	}
	policy := opts.policyFor(conflict.Kind)
	if err := applyConflictPolicy(ctx, project, batch, spec, *conflict, existing, parentId, parentLevel,
		policy, createdByCode, result); err != nil {
		return err
	}
	if policy != models.ResolutionPolicyManual {
		markConflictResolved(batch, *conflict, policy)
	}
	return nil
}

// resolveImportParent finds the parent node id and level for a row. It
// prefers nodes created earlier in the same batch, then the store.
// A parentId of -1 means the row was consumed by a parent conflict.
func resolveImportParent(ctx context.Context, project *models.Project, batch *models.ImportBatch,
	spec *RowSpec, opts ImportOptions, createdByCode map[string]int, result *ImportResult) (int, int, error) {

	if spec.ParentCode == "" {
		return 0, -1, nil
	}
	if id, ok := createdByCode[spec.ParentCode]; ok {
		parent, err := models.GetBreakdownNode(ctx, id)
		if err != nil {
			return 0, 0, err
		}
		return parent.ID, parent.Level, nil
	}
	parent, err := models.GetNodeByCode(ctx, batch.ProjectId, spec.ParentCode)
	if err != nil {
		return 0, 0, err
	}
	if parent != nil {
		return parent.ID, parent.Level, nil
	}

	if opts.CreateMissingParents {
		placeholder := &RowSpec{
			RowNo:         spec.RowNo,
			Name:          spec.ParentCode,
			Code:          spec.ParentCode,
			BreakdownType: models.BreakdownTypeCustomHierarchy,
			ExchangeRate:  decimal.NewFromInt(1),
			Metadata:      models.MetadataMap{"placeholder": "true"},
		}
		node, err := createImportedNode(ctx, project, batch, placeholder, 0, -1)
		if err != nil {
			return 0, 0, err
		}
		createdByCode[spec.ParentCode] = node.ID
		result.Created++
		return node.ID, node.Level, nil
	}

	conflict := models.RowConflict{
		RowNo:   spec.RowNo,
		Kind:    models.ConflictKindParentNotFound,
		Message: fmt.Sprintf("parent code %q resolves to no node", spec.ParentCode),
	}
	switch opts.policyFor(models.ConflictKindParentNotFound) {
	case models.ResolutionPolicyManual:
		conflict.Policy = models.ResolutionPolicyManual
		batch.Conflicts = append(batch.Conflicts, conflict)
	default:
		// without the parent there is nothing to update or attach to
		markConflictResolved(batch, conflict, models.ResolutionPolicySkip)
		result.Skipped++
	}
	return -1, 0, nil
}

// applyConflictPolicy commits the policy outcome for one conflicted row.
func applyConflictPolicy(ctx context.Context, project *models.Project, batch *models.ImportBatch,
	spec *RowSpec, conflict models.RowConflict, existing *models.BreakdownNode,
	parentId int, parentLevel int, policy models.ResolutionPolicy,
	createdByCode map[string]int, result *ImportResult) error {

	switch policy {
	case models.ResolutionPolicySkip:
		result.Skipped++
		return nil

	case models.ResolutionPolicyUpdate:
		if err := overwriteImportedNode(ctx, batch, spec, existing, false); err != nil {
			return err
		}
		if spec.Code != "" {
			createdByCode[spec.Code] = existing.ID
		}
		result.Updated++
		return nil

	case models.ResolutionPolicyMerge:
		if err := overwriteImportedNode(ctx, batch, spec, existing, true); err != nil {
			return err
		}
		if spec.Code != "" {
			createdByCode[spec.Code] = existing.ID
		}
		result.Updated++
		return nil

	case models.ResolutionPolicyCreateNew:
		// the conflicting identifier stays on the existing node
		fresh := *spec
		switch conflict.Kind {
		case models.ConflictKindDuplicateCode:
			fresh.Code = ""
		default:
			fresh.ExternalReference = ""
		}
		node, err := createImportedNode(ctx, project, batch, &fresh, parentId, parentLevel)
		if err != nil {
			return err
		}
		if fresh.Code != "" {
			createdByCode[fresh.Code] = node.ID
		}
		result.Created++
		return nil

	case models.ResolutionPolicyManual:
		conflict.Policy = models.ResolutionPolicyManual
		batch.Conflicts = append(batch.Conflicts, conflict)
		return nil
	}
	return &utils.ValidationError{Field: "policy", Message: fmt.Sprintf("unknown resolution policy %q", policy)}
}

func createImportedNode(ctx context.Context, project *models.Project, batch *models.ImportBatch,
	spec *RowSpec, parentId int, parentLevel int) (*models.BreakdownNode, error) {

	userId, _ := utils.GetUserIdFromContext(ctx)
	currency := spec.Currency
	if currency == "" {
		currency = project.Currency
	}
	level := 0
	if parentId != 0 {
		level = parentLevel + 1
	}

	node := &models.BreakdownNode{
		BusinessId:        batch.BusinessId,
		ProjectId:         batch.ProjectId,
		Name:              spec.Name,
		Code:              spec.Code,
		ExternalReference: spec.ExternalReference,
		ParentId:          parentId,
		Level:             level,
		CostCenter:        spec.CostCenter,
		LedgerAccount:     spec.LedgerAccount,
		BreakdownType:     spec.BreakdownType,
		Category:          spec.Category,
		SubCategory:       spec.SubCategory,
		PlannedAmount:     spec.PlannedAmount,
		CommittedAmount:   spec.CommittedAmount,
		ActualAmount:      spec.ActualAmount,
		Currency:          currency,
		ExchangeRate:      spec.ExchangeRate,
		Metadata:          spec.Metadata,
		Tags:              spec.Tags,
		Version:           1,
		IsActive:          utils.NewTrue(),
		CreatedBy:         userId,
		ImportBatchId:     batch.ID,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(node).Error; err != nil {
			return err
		}
		if _, err := models.RecordVersion(tx, node.ID, models.VersionActionCreate, nil, node); err != nil {
			return err
		}
		return queueAlertOnChange(tx, nil, node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// overwriteImportedNode applies a row onto an existing node. With merge set,
// amounts are added instead of replaced and metadata and tags are combined.
func overwriteImportedNode(ctx context.Context, batch *models.ImportBatch, spec *RowSpec,
	existing *models.BreakdownNode, merge bool) error {

	before := *existing

	existing.Name = spec.Name
	existing.CostCenter = spec.CostCenter
	existing.LedgerAccount = spec.LedgerAccount
	existing.Category = spec.Category
	existing.SubCategory = spec.SubCategory
	if spec.Currency != "" {
		existing.Currency = spec.Currency
	}
	existing.ExchangeRate = spec.ExchangeRate
	if merge {
		existing.PlannedAmount = before.PlannedAmount.Add(spec.PlannedAmount)
		existing.CommittedAmount = before.CommittedAmount.Add(spec.CommittedAmount)
		existing.ActualAmount = before.ActualAmount.Add(spec.ActualAmount)
		merged := models.MetadataMap{}
		for k, v := range before.Metadata {
			merged[k] = v
		}
		for k, v := range spec.Metadata {
			merged[k] = v
		}
		existing.Metadata = merged
		tags := append(models.TagList{}, before.Tags...)
		for _, t := range spec.Tags {
			if !tags.Contains(t) {
				tags = append(tags, t)
			}
		}
		existing.Tags = tags
	} else {
		existing.PlannedAmount = spec.PlannedAmount
		existing.CommittedAmount = spec.CommittedAmount
		existing.ActualAmount = spec.ActualAmount
		existing.Metadata = spec.Metadata
		existing.Tags = spec.Tags
	}
	existing.ImportBatchId = batch.ID
	existing.Version = before.Version + 1

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.BreakdownNode{}).
			Where("id = ? AND version = ?", existing.ID, before.Version).
			Select("name", "cost_center", "ledger_account", "category", "sub_category",
				"planned_amount", "committed_amount", "actual_amount",
				"currency", "exchange_rate", "metadata", "tags", "import_batch_id", "version").
			Updates(existing)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return &utils.ConcurrencyError{Resource: "breakdown_node", Id: existing.ID, ExpectedVersion: before.Version}
		}
		if _, err := models.RecordVersion(tx, existing.ID, models.VersionActionUpdate, &before, existing); err != nil {
			return err
		}
		return queueAlertOnChange(tx, &before, existing)
	})
	if err != nil {
		return err
	}
	models.EvictNodeCache(existing.ID)
	return nil
}

// ResolveManualConflict applies a caller-chosen policy to one conflict that
// was parked for manual review. The caller re-supplies the original row. Once
// the last conflict is resolved the batch finalizes to its terminal state.
func ResolveManualConflict(ctx context.Context, batchId int, rowNo int, policy models.ResolutionPolicy, spec *RowSpec) (*models.ImportBatch, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if policy == models.ResolutionPolicyManual || !policy.IsValid() {
		return nil, &utils.ValidationError{Field: "policy", Message: fmt.Sprintf("policy %q cannot resolve a conflict", policy)}
	}

	batch, err := models.GetImportBatch(ctx, batchId)
	if err != nil {
		return nil, err
	}
	if batch.Status != models.ImportStatusProcessing {
		return nil, fmt.Errorf("batch %d is %s; only a processing batch has conflicts to resolve", batch.ID, batch.Status)
	}

	idx := -1
	for i, c := range batch.Conflicts {
		if c.RowNo == rowNo && !c.Resolved {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, &utils.ValidationError{Field: "row_no", Message: fmt.Sprintf("no unresolved conflict for row %d", rowNo)}
	}
	conflict := batch.Conflicts[idx]

	project, err := models.GetProject(ctx, batch.ProjectId)
	if err != nil {
		return nil, err
	}

	lock, err := AcquireProjectLock(ctx, batch.ProjectId)
	if err != nil {
		return nil, err
	}
	defer ReleaseProjectLock(ctx, lock)

	result := &ImportResult{Batch: batch}
	if conflict.Kind == models.ConflictKindParentNotFound || conflict.Kind == models.ConflictKindInvalidHierarchy {
		if policy != models.ResolutionPolicySkip {
			// the row has no usable position under its stated parent, so
			// the only alternative is to attach it as a new root
			if _, err := createImportedNode(ctx, project, batch, spec, 0, -1); err != nil {
				return nil, err
			}
			result.Created++
		} else {
			result.Skipped++
		}
	} else {
		existing, err := models.GetBreakdownNode(ctx, conflict.ExistingNodeId)
		if err != nil {
			return nil, err
		}
		if err := applyConflictPolicy(ctx, project, batch, spec, conflict, existing,
			existing.ParentId, existing.Level-1, policy, map[string]int{}, result); err != nil {
			return nil, err
		}
	}

	batch.Conflicts[idx].Resolved = true
	batch.Conflicts[idx].Policy = policy
	batch.SucceededRows += result.Created + result.Updated
	batch.SkippedRows += result.Skipped

	if err := batch.Finalize(ctx, false); err != nil {
		return nil, err
	}
	models.InvalidateAggregateCache(businessId, batch.ProjectId)
	return batch, nil
}
