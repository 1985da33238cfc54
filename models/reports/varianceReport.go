package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/models"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// VarianceReportRow is one node of the cost breakdown with its computed
// figures. Rows carry the node's own amounts, not subtree rollups.
type VarianceReportRow struct {
	NodeId         int                   `json:"node_id"`
	ParentId       int                   `json:"parent_id"`
	Level          int                   `json:"level"`
	Code           string                `json:"code"`
	Name           string                `json:"name"`
	BreakdownType  models.BreakdownType  `json:"breakdown_type"`
	CostCenter     string                `json:"cost_center"`
	Category       string                `json:"category"`
	Planned        decimal.Decimal       `json:"planned"`
	Committed      decimal.Decimal       `json:"committed"`
	Actual         decimal.Decimal       `json:"actual"`
	Remaining      decimal.Decimal       `json:"remaining"`
	VarianceAmount decimal.Decimal       `json:"variance_amount"`
	VariancePct    *decimal.Decimal      `json:"variance_pct"`
	Status         models.VarianceStatus `json:"status"`
}

// GetVarianceReport lists every active node of a project with per-node
// variance figures, ordered parents before children.
func GetVarianceReport(ctx context.Context, projectId int) ([]*VarianceReportRow, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	nodes, err := models.ProjectNodes(ctx, projectId, false)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].ID < nodes[j].ID
	})

	th := config.GetVarianceThresholds()
	rows := make([]*VarianceReportRow, 0, len(nodes))
	for _, n := range nodes {
		figures := n.Variance(th)
		rows = append(rows, &VarianceReportRow{
			NodeId:         n.ID,
			ParentId:       n.ParentId,
			Level:          n.Level,
			Code:           n.Code,
			Name:           n.Name,
			BreakdownType:  n.BreakdownType,
			CostCenter:     n.CostCenter,
			Category:       n.Category,
			Planned:        n.PlannedAmount,
			Committed:      n.CommittedAmount,
			Actual:         n.ActualAmount,
			Remaining:      figures.Remaining,
			VarianceAmount: figures.VarianceAmount,
			VariancePct:    figures.VariancePct,
			Status:         figures.Status,
		})
	}
	return rows, nil
}

// WriteVarianceReportExcel renders the report workbook: a Nodes sheet with one
// row per node and a Summary sheet with project totals, including how the
// figures change when unlinked financial records are counted in.
func WriteVarianceReportExcel(ctx context.Context, projectId int, w io.Writer) error {

	rows, err := GetVarianceReport(ctx, projectId)
	if err != nil {
		return err
	}
	combined, err := models.CombinedVariance(ctx, projectId, true)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheet := "Nodes"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Code", "Name", "Level", "Type", "CostCenter", "Category",
		"Planned", "Committed", "Actual", "Remaining", "Variance", "VariancePct", "Status"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for i, row := range rows {
		values := []interface{}{
			row.Code, row.Name, row.Level, string(row.BreakdownType), row.CostCenter, row.Category,
			row.Planned.String(), row.Committed.String(), row.Actual.String(),
			row.Remaining.String(), row.VarianceAmount.String(), pctString(row.VariancePct), string(row.Status),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	summary := "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return err
	}
	f.SetCellValue(summary, "A1", "Scope")
	f.SetCellValue(summary, "B1", "Planned")
	f.SetCellValue(summary, "C1", "Committed")
	f.SetCellValue(summary, "D1", "Actual")
	f.SetCellValue(summary, "E1", "Remaining")
	f.SetCellValue(summary, "F1", "Variance")
	f.SetCellValue(summary, "G1", "VariancePct")
	f.SetCellValue(summary, "H1", "Status")

	writeSummaryLine(f, summary, 2, "Breakdown nodes", combined.Breakdown)
	writeSummaryLine(f, summary, 3, "With unlinked financial records", combined.Combined)
	f.SetCellValue(summary, "A4", "Unlinked financial committed")
	f.SetCellValue(summary, "B4", combined.Financial.Committed.String())
	f.SetCellValue(summary, "A5", "Unlinked financial actual")
	f.SetCellValue(summary, "B5", combined.Financial.Actual.String())

	return f.Write(w)
}

// ExportVarianceReport saves the report workbook to disk.
func ExportVarianceReport(ctx context.Context, projectId int, filename string) error {

	rows, err := GetVarianceReport(ctx, projectId)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("project %d has no active nodes", projectId)
	}

	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteVarianceReportExcel(ctx, projectId, f)
}

func writeSummaryLine(f *excelize.File, sheet string, rowNo int, label string, figures models.VarianceFigures) {
	f.SetCellValue(sheet, "A"+fmt.Sprint(rowNo), label)
	f.SetCellValue(sheet, "B"+fmt.Sprint(rowNo), figures.Planned.String())
	f.SetCellValue(sheet, "C"+fmt.Sprint(rowNo), figures.Committed.String())
	f.SetCellValue(sheet, "D"+fmt.Sprint(rowNo), figures.Actual.String())
	f.SetCellValue(sheet, "E"+fmt.Sprint(rowNo), figures.Remaining.String())
	f.SetCellValue(sheet, "F"+fmt.Sprint(rowNo), figures.VarianceAmount.String())
	f.SetCellValue(sheet, "G"+fmt.Sprint(rowNo), pctString(figures.VariancePct))
	f.SetCellValue(sheet, "H"+fmt.Sprint(rowNo), string(figures.Status))
}

func pctString(pct *decimal.Decimal) string {
	if pct == nil {
		return ""
	}
	return pct.StringFixed(2)
}
