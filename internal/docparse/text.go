package docparse

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence-cli/internal/model"
)

// pageBreak is the form feed some exporters use between pages.
const pageBreak = "\f"

// Text handles plain text, markdown and CSV. Form feeds split pages;
// otherwise the whole payload is page 1.
type Text struct{}

// Extract decodes data as UTF-8 text.
func (Text) Extract(_ context.Context, mimeType string, data []byte) (*model.DocumentText, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return nil, eris.Wrapf(ErrUnsupported, "docparse: %s payload is not valid utf-8", mimeType)
	}
	out := &model.DocumentText{}
	for i, chunk := range strings.Split(string(data), pageBreak) {
		out.Pages = append(out.Pages, model.PageText{Number: i + 1, Text: strings.TrimSpace(chunk)})
	}
	return out, nil
}
