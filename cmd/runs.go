package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sells-group/diligence-cli/internal/model"
)

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.AnalysisRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCASE\tNAME\tSTATUS\tTIER\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t------\t----\t-------")

	for _, r := range runs {
		name := r.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.CaseID,
			name,
			r.Status,
			r.ModelTier,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatFindingsList writes a tabular list of findings to w.
func formatFindingsList(out io.Writer, findings []model.Finding) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tSTATUS\tIMPACT\tEXPOSURE\tDETAIL")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t------\t--------\t------")

	for _, f := range findings {
		exposure := ""
		if f.Exposure != nil {
			exposure = fmt.Sprintf("%s %.2f", f.Exposure.Currency, f.Exposure.Amount)
		}
		detail := f.Detail
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID,
			f.Category,
			f.Status,
			f.DealImpact,
			exposure,
			detail,
		)
	}
	_ = w.Flush()
}

// formatProgress writes a one-line document progress summary to w.
func formatProgress(out io.Writer, caseID string, p model.Progress) {
	_, _ = fmt.Fprintf(out, "%s: %d/%d documents complete (%.1f%%), %d unsupported, %d in progress\n",
		caseID, p.Complete, p.Total, p.Percent, p.Unsupported, p.InProgress)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
