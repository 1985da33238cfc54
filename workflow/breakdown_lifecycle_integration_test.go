package workflow_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/models"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"bitbucket.org/mmdatafocus/costplan_backend/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Full lifecycle against a real MySQL and Redis: hierarchy mutations, the
// audit trail, imports and combined variance. Requires DB_* and
// REDIS_ADDRESS to point at disposable instances.
func TestBreakdownLifecycle_Golden(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires mysql + redis)")
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	businessID := uuid.NewString()
	ctx = utils.SetBusinessIdInContext(ctx, businessID)

	project, err := models.CreateProject(ctx, &models.NewProject{Name: "Plant Expansion", Code: "PX-1", Currency: "USD"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	root, err := workflow.CreateNode(ctx, &models.NewBreakdownNode{
		ProjectId:     project.ID,
		Name:          "Civil Works",
		Code:          "1",
		PlannedAmount: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("CreateNode root: %v", err)
	}
	if root.Level != 0 || root.Version != 1 {
		t.Fatalf("root: expected level 0 version 1, got %+v", root)
	}

	child, err := workflow.CreateNode(ctx, &models.NewBreakdownNode{
		ProjectId:     project.ID,
		Name:          "Foundation",
		Code:          "1.1",
		ParentId:      root.ID,
		PlannedAmount: decimal.NewFromInt(500),
		ActualAmount:  decimal.NewFromInt(600),
	})
	if err != nil {
		t.Fatalf("CreateNode child: %v", err)
	}
	if child.Level != 1 {
		t.Fatalf("child: expected level 1, got %d", child.Level)
	}

	// duplicate code within the project is rejected
	if _, err := workflow.CreateNode(ctx, &models.NewBreakdownNode{
		ProjectId: project.ID, Name: "Dup", Code: "1.1",
	}); err == nil {
		t.Fatal("duplicate code should be rejected")
	}

	agg, err := models.AggregateVariance(ctx, project.ID, false)
	if err != nil {
		t.Fatalf("AggregateVariance: %v", err)
	}
	if !agg.Planned.Equal(decimal.NewFromInt(1500)) || !agg.Actual.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("aggregate: expected planned 1500 actual 600, got %+v", agg)
	}

	// the rollup lands in redis under the project's aggregate key
	if rdb := config.GetRedisDB(); rdb != nil {
		key := fmt.Sprintf("AggregateVariance:%s:%d", businessID, project.ID)
		if n, err := rdb.Exists(ctx, key).Result(); err != nil || n == 0 {
			t.Fatalf("expected cached aggregate under %s (n=%d err=%v)", key, n, err)
		}
	}

	// stale version is refused without changing anything
	badActual := decimal.NewFromInt(999)
	if _, err := workflow.UpdateNode(ctx, child.ID, &workflow.UpdateNodeInput{
		ExpectedVersion: child.Version + 5,
		ActualAmount:    &badActual,
	}); err == nil {
		t.Fatal("stale version should be refused")
	} else if _, ok := err.(*utils.ConcurrencyError); !ok {
		t.Fatalf("expected ConcurrencyError, got %T: %v", err, err)
	}

	newActual := decimal.NewFromInt(750)
	child, err = workflow.UpdateNode(ctx, child.ID, &workflow.UpdateNodeInput{
		ExpectedVersion: child.Version,
		ActualAmount:    &newActual,
	})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if child.Version != 2 {
		t.Fatalf("expected version 2 after update, got %d", child.Version)
	}

	history, err := models.VersionHistory(ctx, child.ID)
	if err != nil {
		t.Fatalf("VersionHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	for i, h := range history {
		if h.VersionNo != i+1 {
			t.Fatalf("version numbers must be contiguous from 1: %+v", history)
		}
	}
	if history[0].Action != models.VersionActionCreate || history[1].Action != models.VersionActionUpdate {
		t.Fatalf("unexpected actions: %s, %s", history[0].Action, history[1].Action)
	}

	// moving the root under its own descendant must fail
	if _, err := workflow.MoveNode(ctx, root.ID, child.ID); err == nil {
		t.Fatal("cycle move should be refused")
	}

	secondRoot, err := workflow.CreateNode(ctx, &models.NewBreakdownNode{
		ProjectId: project.ID, Name: "Electrical", Code: "2",
	})
	if err != nil {
		t.Fatalf("CreateNode second root: %v", err)
	}
	moved, err := workflow.MoveNode(ctx, child.ID, secondRoot.ID)
	if err != nil {
		t.Fatalf("MoveNode: %v", err)
	}
	if moved.Level != 1 || moved.ParentId != secondRoot.ID {
		t.Fatalf("move: unexpected placement %+v", moved)
	}

	// unlinked financial records surface in the combined view only
	record, err := models.CreateFinancialRecord(ctx, &models.NewFinancialRecord{
		ProjectId:    project.ID,
		RecordNumber: "PO-1001",
		ActualAmount: decimal.NewFromInt(120),
	})
	if err != nil {
		t.Fatalf("CreateFinancialRecord: %v", err)
	}
	combined, err := models.CombinedVariance(ctx, project.ID, true)
	if err != nil {
		t.Fatalf("CombinedVariance: %v", err)
	}
	if !combined.Financial.Actual.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("expected 120 unlinked actual, got %s", combined.Financial.Actual)
	}
	if !combined.Combined.Actual.Equal(combined.Breakdown.Actual.Add(decimal.NewFromInt(120))) {
		t.Fatalf("combined actual must add unlinked records: %+v", combined)
	}

	if _, err := models.LinkFinancialRecord(ctx, moved.ID, record.ID); err != nil {
		t.Fatalf("LinkFinancialRecord: %v", err)
	}
	combined, err = models.CombinedVariance(ctx, project.ID, true)
	if err != nil {
		t.Fatalf("CombinedVariance after link: %v", err)
	}
	if !combined.Financial.Actual.IsZero() {
		t.Fatalf("linked record must not be counted twice, got %s", combined.Financial.Actual)
	}

	// cascade delete takes the subtree out of default reads but keeps history
	if err := workflow.DeleteNode(ctx, secondRoot.ID, models.DeletePolicyCascade); err != nil {
		t.Fatalf("DeleteNode cascade: %v", err)
	}
	subtree, err := models.GetSubtree(ctx, secondRoot.ID, false)
	if err != nil {
		t.Fatalf("GetSubtree: %v", err)
	}
	if len(subtree) != 0 {
		t.Fatalf("deleted subtree must be excluded by default, got %d nodes", len(subtree))
	}
	childHistory, err := models.VersionHistory(ctx, child.ID)
	if err != nil {
		t.Fatalf("VersionHistory after delete: %v", err)
	}
	last := childHistory[len(childHistory)-1]
	if last.Action != models.VersionActionDelete {
		t.Fatalf("expected delete as last action, got %s", last.Action)
	}
}

func TestImportBatch_SkipPolicyIdempotence(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires mysql + redis)")
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetBusinessIdInContext(ctx, uuid.NewString())

	project, err := models.CreateProject(ctx, &models.NewProject{Name: "Import Target", Currency: "USD"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	rows := []workflow.ImportRow{
		{"name": "Site Prep", "code": "A", "planned_amount": "1000"},
		{"name": "Grading", "code": "A.1", "parent_code": "A", "planned_amount": "400"},
		{"name": "Drainage", "code": "A.2", "parent_code": "A", "planned_amount": "600"},
	}
	mapping := workflow.ColumnMapping{
		"name": "name", "code": "code", "parent_code": "parent_code", "planned_amount": "planned_amount",
	}
	opts := workflow.ImportOptions{DefaultPolicy: models.ResolutionPolicySkip}

	batch, err := models.CreateImportBatch(ctx, project.ID, "unit-fixture")
	if err != nil {
		t.Fatalf("CreateImportBatch: %v", err)
	}
	result, err := workflow.ProcessImportBatch(ctx, batch.ID, rows, mapping, opts)
	if err != nil {
		t.Fatalf("ProcessImportBatch: %v", err)
	}
	if result.Created != 3 || result.Failed != 0 {
		t.Fatalf("first run: expected 3 created, got %+v", result)
	}
	if result.Batch.Status != models.ImportStatusCompleted {
		t.Fatalf("first run: expected completed, got %s", result.Batch.Status)
	}

	parent, err := models.GetNodeByCode(ctx, project.ID, "A")
	if err != nil || parent == nil {
		t.Fatalf("GetNodeByCode: %v %v", parent, err)
	}
	kid, err := models.GetNodeByCode(ctx, project.ID, "A.1")
	if err != nil || kid == nil {
		t.Fatalf("GetNodeByCode A.1: %v %v", kid, err)
	}
	if kid.ParentId != parent.ID || kid.Level != 1 {
		t.Fatalf("in-batch parent not wired: %+v", kid)
	}
	if kid.ImportBatchId != batch.ID {
		t.Fatalf("created node must carry its batch id, got %d", kid.ImportBatchId)
	}

	// re-running the same rows with skip changes nothing
	rerun, err := models.CreateImportBatch(ctx, project.ID, "unit-fixture-rerun")
	if err != nil {
		t.Fatalf("CreateImportBatch rerun: %v", err)
	}
	result, err = workflow.ProcessImportBatch(ctx, rerun.ID, rows, mapping, opts)
	if err != nil {
		t.Fatalf("ProcessImportBatch rerun: %v", err)
	}
	if result.Created != 0 || result.Updated != 0 || result.Skipped != 3 {
		t.Fatalf("rerun: expected 3 skipped, got %+v", result)
	}
	if result.Batch.Status != models.ImportStatusCompleted {
		t.Fatalf("rerun: expected completed, got %s", result.Batch.Status)
	}
	if n := len(result.Batch.Conflicts.Unresolved()); n != 0 {
		t.Fatalf("rerun: expected no unresolved conflicts, got %d", n)
	}
	// skipped duplicates are still itemized, marked with the policy that
	// settled them
	if len(result.Conflicts) != 3 {
		t.Fatalf("rerun: expected 3 itemized conflicts, got %+v", result.Conflicts)
	}
	for _, c := range result.Conflicts {
		if !c.Resolved || c.Policy != models.ResolutionPolicySkip || c.Kind != models.ConflictKindDuplicateCode {
			t.Fatalf("rerun: conflict not itemized as skip-resolved duplicate: %+v", c)
		}
	}

	// a manual conflict holds the batch open until resolved
	dupRows := []workflow.ImportRow{
		{"name": "Site Prep Revised", "code": "A", "planned_amount": "1000"},
	}
	manual, err := models.CreateImportBatch(ctx, project.ID, "unit-fixture-manual")
	if err != nil {
		t.Fatalf("CreateImportBatch manual: %v", err)
	}
	result, err = workflow.ProcessImportBatch(ctx, manual.ID, dupRows, mapping,
		workflow.ImportOptions{DefaultPolicy: models.ResolutionPolicyManual})
	if err != nil {
		t.Fatalf("ProcessImportBatch manual: %v", err)
	}
	if result.Batch.Status != models.ImportStatusProcessing {
		t.Fatalf("expected batch held in processing, got %s", result.Batch.Status)
	}

	specs, mapErrs := workflow.MapRows(dupRows, mapping)
	if len(mapErrs) != 0 || len(specs) != 1 {
		t.Fatalf("fixture mapping broke: %v %v", specs, mapErrs)
	}
	resolved, err := workflow.ResolveManualConflict(ctx, manual.ID, 1, models.ResolutionPolicyUpdate, specs[0])
	if err != nil {
		t.Fatalf("ResolveManualConflict: %v", err)
	}
	if resolved.Status != models.ImportStatusCompleted {
		t.Fatalf("expected completed after resolution, got %s", resolved.Status)
	}
	updated, err := models.GetNodeByCode(ctx, project.ID, "A")
	if err != nil || updated == nil {
		t.Fatalf("GetNodeByCode after resolve: %v %v", updated, err)
	}
	if updated.Name != "Site Prep Revised" {
		t.Fatalf("update policy must overwrite, got %q", updated.Name)
	}
}

// Two racing link calls for the same (node, record) pair must not both pass
// the duplicate check; exactly one may create the active link.
func TestLinkFinancialRecord_ConcurrentDuplicate(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires mysql + redis)")
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetBusinessIdInContext(ctx, uuid.NewString())

	project, err := models.CreateProject(ctx, &models.NewProject{Name: "Link Race", Currency: "USD"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	node, err := workflow.CreateNode(ctx, &models.NewBreakdownNode{
		ProjectId: project.ID, Name: "Piling", Code: "P-1",
	})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	record, err := models.CreateFinancialRecord(ctx, &models.NewFinancialRecord{
		ProjectId:    project.ID,
		RecordNumber: "PO-2001",
		ActualAmount: decimal.NewFromInt(80),
	})
	if err != nil {
		t.Fatalf("CreateFinancialRecord: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = models.LinkFinancialRecord(ctx, node.ID, record.ID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning link, got %d (errs=%v)", winners, errs)
	}
	linked, err := models.ListFinancialLinks(ctx, node.ID)
	if err != nil {
		t.Fatalf("ListFinancialLinks: %v", err)
	}
	if len(linked) != 1 || linked[0].ID != record.ID {
		t.Fatalf("expected the single record linked once, got %+v", linked)
	}

	// the node's audit trail gains exactly one link entry
	history, err := models.VersionHistory(ctx, node.ID)
	if err != nil {
		t.Fatalf("VersionHistory: %v", err)
	}
	linkEntries := 0
	for _, h := range history {
		if h.Action == models.VersionActionLink {
			linkEntries++
		}
	}
	if linkEntries != 1 {
		t.Fatalf("expected one link history entry, got %d", linkEntries)
	}
}
