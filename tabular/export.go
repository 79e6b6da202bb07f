package tabular

import (
	"fmt"
	"io"
	"time"

	"github.com/warp/dues-engine/dues"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// REPORT EXPORT
// =============================================================================

// RecordRow is one ledger record flattened for a spreadsheet.
type RecordRow struct {
	Member     string
	NationalID string
	Plan       string
	Slot       string
	Amount     float64
	Status     string
	RecordedAt time.Time
}

var monthNames = [...]string{
	"Enero", "Febrero", "Marzo", "Abril", "Mayo", "Junio",
	"Julio", "Agosto", "Septiembre", "Octubre", "Noviembre", "Diciembre",
}

// WriteYearReport writes a workbook with a month summary sheet, a plan
// summary sheet and, when records is non-empty, a detail sheet.
func WriteYearReport(w io.Writer, s dues.YearSummary, records []RecordRow) error {
	f := excelize.NewFile()
	defer f.Close()

	summary := fmt.Sprintf("Resumen %d", s.Year)
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return fmt.Errorf("rename default sheet: %w", err)
	}

	header := []any{"Mes", "Aprobado", "Pendiente", "Rechazado", "Pagos aprobados"}
	rows := make([][]any, 0, len(s.Months)+1)
	for _, m := range s.Months {
		rows = append(rows, []any{
			monthNames[m.Month-1],
			m.Approved.Value.InexactFloat64(),
			m.Pending.Value.InexactFloat64(),
			m.Rejected.Value.InexactFloat64(),
			m.ApprovedCount,
		})
	}
	rows = append(rows, []any{
		"Total",
		s.Total.Approved.Value.InexactFloat64(),
		s.Total.Pending.Value.InexactFloat64(),
		s.Total.Rejected.Value.InexactFloat64(),
		s.Total.ApprovedCount,
	})
	if err := writeSheet(f, summary, header, rows, []float64{14, 14, 14, 14, 16}); err != nil {
		return err
	}

	if _, err := f.NewSheet("Planes"); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	header = []any{"Plan", "Aprobado", "Pendiente", "Rechazado", "Pagos aprobados"}
	rows = rows[:0]
	for _, p := range s.Plans {
		rows = append(rows, []any{
			p.PlanName,
			p.Approved.Value.InexactFloat64(),
			p.Pending.Value.InexactFloat64(),
			p.Rejected.Value.InexactFloat64(),
			p.ApprovedCount,
		})
	}
	if err := writeSheet(f, "Planes", header, rows, []float64{30, 14, 14, 14, 16}); err != nil {
		return err
	}

	if len(records) > 0 {
		if _, err := f.NewSheet("Registros"); err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		header = []any{"Socio", "RUT", "Plan", "Periodo", "Monto", "Estado", "Registrado"}
		rows = rows[:0]
		for _, r := range records {
			rows = append(rows, []any{r.Member, r.NationalID, r.Plan, r.Slot, r.Amount, r.Status, r.RecordedAt.Format("2006-01-02")})
		}
		if err := writeSheet(f, "Registros", header, rows, []float64{28, 14, 30, 12, 12, 12, 12}); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, header []any, rows [][]any, widths []float64) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	for i, width := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, width); err != nil {
			return err
		}
	}
	return nil
}
