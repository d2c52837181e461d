package docparse

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence-cli/internal/model"
)

// PDF extracts text page by page using the native PDF text layer.
// Scanned pages without a text layer come back empty.
type PDF struct{}

// Extract parses data as a PDF. Every page is present in the result so
// page numbers stay aligned with the source, even when a page is blank.
func (PDF) Extract(ctx context.Context, _ string, data []byte) (*model.DocumentText, error) {
	if len(data) == 0 {
		return &model.DocumentText{}, nil
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, eris.Wrap(err, "docparse: open pdf")
	}

	total := reader.NumPage()
	out := &model.DocumentText{Pages: make([]model.PageText, 0, total)}
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		pt := model.PageText{Number: i}
		if !page.V.IsNull() {
			text, err := page.GetPlainText(nil)
			if err == nil {
				pt.Text = strings.TrimSpace(text)
			}
		}
		out.Pages = append(out.Pages, pt)
	}
	return out, nil
}
