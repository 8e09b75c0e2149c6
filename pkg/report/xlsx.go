package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/odvcencio/kiln/pkg/trainjob"
)

const metricsSheet = "Metrics"

// ExportXLSX writes the job's metric history to an Excel workbook: a
// Metrics sheet with one row per epoch and a job summary block at the
// top of the default sheet.
func ExportXLSX(job *trainjob.Job, path string) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	f := excelize.NewFile()
	defer f.Close()

	summary := f.GetSheetName(f.GetActiveSheetIndex())
	rows := [][]any{
		{"Job ID", job.ID},
		{"Status", job.Status},
		{"Backend", job.Backend},
		{"Model URI", job.ModelURI},
		{"Created", job.CreatedAt.Format(time.RFC3339)},
	}
	if job.EndedAt != nil {
		rows = append(rows, []any{"Ended", job.EndedAt.Format(time.RFC3339)})
	}
	for k, v := range job.Hyperparameters {
		rows = append(rows, []any{"hp: " + k, v})
	}
	for i, row := range rows {
		for j, value := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return fmt.Errorf("summary cell: %w", err)
			}
			if err := f.SetCellValue(summary, cell, value); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
		}
	}

	if _, err := f.NewSheet(metricsSheet); err != nil {
		return fmt.Errorf("create metrics sheet: %w", err)
	}
	header := []any{"Epoch", "Loss", "Accuracy", "Duration (ms)", "Recorded"}
	for j, value := range header {
		cell, err := excelize.CoordinatesToCellName(j+1, 1)
		if err != nil {
			return fmt.Errorf("header cell: %w", err)
		}
		if err := f.SetCellValue(metricsSheet, cell, value); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for i, m := range job.Metrics {
		values := []any{m.Epoch, m.Loss, m.Accuracy, m.DurationMS, m.RecordedAt.Format(time.RFC3339)}
		for j, value := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return fmt.Errorf("metric cell: %w", err)
			}
			if err := f.SetCellValue(metricsSheet, cell, value); err != nil {
				return fmt.Errorf("write metric row: %w", err)
			}
		}
	}

	if err := f.SetColWidth(metricsSheet, "A", "E", 16); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}
