// Package export writes entity collections to spreadsheets for offline
// review.
package export

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/xuri/excelize/v2"

	"propsync/internal/model"
)

const infoSheet = "Info"

var fixedColumns = []string{"ID", "Availability", "Created At", "Updated At", "Media", "Primary Media"}

// Report is one collection snapshot to export.
type Report struct {
	Kind       string
	Source     string
	ExportedAt time.Time
	Entities   []model.Entity
}

// WriteXLSX writes r as a workbook with one row per entity and an Info
// sheet describing where the data came from.
func WriteXLSX(w io.Writer, r Report) error {
	f, err := build(r)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// SaveXLSX writes r to path.
func SaveXLSX(path string, r Report) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := WriteXLSX(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func build(r Report) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := r.Kind
	if sheet == "" {
		sheet = "Entities"
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	attrs := attributeNames(r.Entities)
	headers := append(slices.Clone(fixedColumns), attrs...)

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating header style: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, bold)
	}

	for i, e := range r.Entities {
		row := []any{
			e.ID,
			string(e.Availability),
			model.FormatTime(e.CreatedAt),
			model.FormatTime(e.UpdatedAt),
			len(e.Media),
			primaryMedia(e),
		}
		for _, name := range attrs {
			row = append(row, cellValue(e.Attr(name)))
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing row for %s: %w", e.ID, err)
		}
	}

	for i := range headers {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, 20)
	}

	if _, err := f.NewSheet(infoSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("creating info sheet: %w", err)
	}
	info := [][]any{
		{"Kind", r.Kind},
		{"Source", r.Source},
		{"Entities", len(r.Entities)},
		{"Exported At", model.FormatTime(r.ExportedAt)},
	}
	for i, row := range info {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		f.SetSheetRow(infoSheet, cell, &row)
	}
	f.SetColWidth(infoSheet, "A", "B", 24)

	return f, nil
}

// attributeNames returns every attribute key used by any entity, sorted.
func attributeNames(entities []model.Entity) []string {
	seen := map[string]struct{}{}
	for _, e := range entities {
		for k := range e.Attributes {
			seen[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// primaryMedia is the primary image URL; inline images are not copied into
// the sheet.
func primaryMedia(e model.Entity) string {
	m, ok := e.PrimaryMedia()
	if !ok {
		return ""
	}
	if m.IsInline() {
		return "(inline image)"
	}
	return string(m)
}

func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return ""
	case string, bool, float64, float32, int, int64:
		return v
	default:
		return fmt.Sprint(v)
	}
}
