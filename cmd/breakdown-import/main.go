package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/models"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"bitbucket.org/mmdatafocus/costplan_backend/workflow"
	"github.com/xuri/excelize/v2"
)

// breakdown-import reads an xlsx workbook and drives one import batch.
// The first sheet row is taken as column headers; --map renames canonical
// fields to source headers, unmapped fields default to their own name.
func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	projectID := flag.Int("project-id", 0, "Required: project id")
	file := flag.String("file", "", "Required: xlsx file path")
	sheet := flag.String("sheet", "", "Optional: sheet name (default: first sheet)")
	mapFlag := flag.String("map", "", "Optional: field=column pairs, comma separated (e.g. name=Description,code=WBS)")
	mapFile := flag.String("mapping-file", "", "Optional: JSON file of field => column pairs (overridden by --map)")
	policy := flag.String("policy", "manual", "Conflict policy: skip, update, create_new, merge or manual")
	createParents := flag.Bool("create-missing-parents", false, "Synthesize placeholder parents for unknown parent codes")
	userID := flag.Int("user-id", 0, "Optional: acting user id")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if *projectID <= 0 {
		fmt.Fprintln(os.Stderr, "--project-id is required")
		os.Exit(1)
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		os.Exit(1)
	}
	defaultPolicy := models.ResolutionPolicy(*policy)
	if !defaultPolicy.IsValid() {
		fmt.Fprintf(os.Stderr, "unknown policy %q\n", *policy)
		os.Exit(1)
	}

	rows, err := readRows(*file, *sheet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("no data rows")
		return
	}

	mapping := workflow.ColumnMapping{
		"name": "name", "code": "code", "parent_code": "parent_code",
		"external_reference": "external_reference", "breakdown_type": "breakdown_type",
		"cost_center": "cost_center", "ledger_account": "ledger_account",
		"category": "category", "sub_category": "sub_category",
		"planned_amount": "planned_amount", "committed_amount": "committed_amount",
		"actual_amount": "actual_amount", "currency": "currency", "exchange_rate": "exchange_rate",
	}
	if strings.TrimSpace(*mapFile) != "" {
		data, err := os.ReadFile(*mapFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", *mapFile, err)
			os.Exit(1)
		}
		fileMapping := map[string]string{}
		if err := utils.UnmarshalFromJSON(data, &fileMapping); err != nil {
			fmt.Fprintf(os.Stderr, "parse %s: %v\n", *mapFile, err)
			os.Exit(1)
		}
		for field, column := range fileMapping {
			mapping[field] = column
		}
	}
	for _, pair := range strings.Split(*mapFlag, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "bad --map entry %q\n", pair)
			os.Exit(1)
		}
		mapping[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessID))
	if *userID > 0 {
		ctx = utils.SetUserIdInContext(ctx, *userID)
	}

	batch, err := models.CreateImportBatch(ctx, *projectID, *file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create batch: %v\n", err)
		os.Exit(1)
	}

	result, err := workflow.ProcessImportBatch(ctx, batch.ID, rows, mapping, workflow.ImportOptions{
		DefaultPolicy:        defaultPolicy,
		CreateMissingParents: *createParents,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "process batch %d: %v\n", batch.ID, err)
		os.Exit(1)
	}

	fmt.Printf("batch=%s status=%s total=%d created=%d updated=%d skipped=%d failed=%d\n",
		result.Batch.BatchNumber, result.Batch.Status, result.Batch.TotalRows,
		result.Created, result.Updated, result.Skipped, result.Failed)
	for _, e := range result.Errors {
		fmt.Printf("  row %d: %s\n", e.RowNo, e.Message)
	}
	for _, c := range result.Batch.Conflicts.Unresolved() {
		fmt.Printf("  conflict row %d (%s): %s\n", c.RowNo, c.Kind, c.Message)
	}
	if len(result.Batch.Conflicts.Unresolved()) > 0 {
		fmt.Println("batch held open until the conflicts above are resolved")
	}
}

func readRows(path string, sheet string) ([]workflow.ImportRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	raw, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, nil
	}

	headers := raw[0]
	var rows []workflow.ImportRow
	for _, cells := range raw[1:] {
		row := workflow.ImportRow{}
		empty := true
		for i, h := range headers {
			h = strings.TrimSpace(h)
			if h == "" || i >= len(cells) {
				continue
			}
			value := strings.TrimSpace(cells[i])
			row[h] = value
			if value != "" {
				empty = false
			}
		}
		if !empty {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
