// Package export writes a run's findings to a spreadsheet.
package export

import (
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/diligence-cli/internal/model"
)

// SheetName is the name of the findings worksheet.
const SheetName = "Findings"

// Columns is the header row of the findings worksheet.
var Columns = []string{
	"ID", "Category", "Status", "Deal Impact", "Exposure", "Currency",
	"Materiality", "Existence", "Severity", "Statute", "Resolution",
	"Document", "Page", "Detail",
}

// WriteFindings writes findings as an XLSX workbook with one row per finding.
func WriteFindings(w io.Writer, findings []model.Finding) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := xlsx.NewStyle()
	header.Font.Bold = true
	header.ApplyFont = true

	row := sheet.AddRow()
	for _, name := range Columns {
		cell := row.AddCell()
		cell.SetString(name)
		cell.SetStyle(header)
	}

	for _, fd := range findings {
		row := sheet.AddRow()
		addString(row, fd.ID)
		addString(row, fd.Category)
		addString(row, string(fd.Status))
		addString(row, string(fd.DealImpact))
		if fd.Exposure != nil {
			row.AddCell().SetFloatWithFormat(fd.Exposure.Amount, "#,##0.00")
			addString(row, fd.Exposure.Currency)
		} else {
			addString(row, "")
			addString(row, "")
		}
		addString(row, fd.Materiality.Classification)
		row.AddCell().SetFloat(fd.Confidence.Existence)
		row.AddCell().SetFloat(fd.Confidence.Severity)
		addString(row, statute(fd.Statutory))
		addString(row, resolution(fd.Resolution))
		addString(row, fd.Source.DocumentID)
		if fd.Source.Page > 0 {
			row.AddCell().SetInt(fd.Source.Page)
		} else {
			addString(row, "")
		}
		addString(row, fd.Detail)
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

func addString(row *xlsx.Row, s string) {
	row.AddCell().SetString(s)
}

func statute(s *model.StatutoryReference) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.Act + " " + s.Section)
}

func resolution(r *model.ResolutionPlan) string {
	if r == nil {
		return ""
	}
	if r.ResponsibleParty == "" {
		return r.Mechanism
	}
	return r.Mechanism + " (" + r.ResponsibleParty + ")"
}
