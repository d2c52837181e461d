package model

import (
	"math"
	"time"
)

// ProcessingStatus tracks a document through extraction and indexing.
type ProcessingStatus string

const (
	DocPending     ProcessingStatus = "pending"
	DocInProgress  ProcessingStatus = "in_progress"
	DocComplete    ProcessingStatus = "complete"
	DocUnsupported ProcessingStatus = "unsupported"
	DocFailed      ProcessingStatus = "failed"
)

// Document is a due-diligence file belonging to a case.
type Document struct {
	ID               string           `json:"id" yaml:"id"`
	CaseID           string           `json:"case_id" yaml:"case_id"`
	Name             string           `json:"name" yaml:"name"`
	MimeType         string           `json:"mime_type" yaml:"mime_type"`
	BlobKey          string           `json:"blob_key" yaml:"blob_key"`
	ProcessingStatus ProcessingStatus `json:"processing_status" yaml:"processing_status"`
	PageCount        int              `json:"page_count" yaml:"page_count"`
	CreatedAt        time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" yaml:"updated_at"`
}

// DocumentText is extracted text with its page map.
type DocumentText struct {
	Pages []PageText `json:"pages"`
}

// PageText is the text of one page (1-based).
type PageText struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Empty reports whether no page carries any text.
func (t *DocumentText) Empty() bool {
	if t == nil {
		return true
	}
	for _, p := range t.Pages {
		if p.Text != "" {
			return false
		}
	}
	return true
}

// CharCount returns the total number of characters across pages.
func (t *DocumentText) CharCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, p := range t.Pages {
		n += len(p.Text)
	}
	return n
}

// DocumentExtraction is the structured Pass 1 output for a document.
type DocumentExtraction struct {
	DocumentID   string           `json:"document_id"`
	DocumentType string           `json:"document_type,omitempty"`
	Title        string           `json:"title,omitempty"`
	Summary      string           `json:"summary,omitempty"`
	Parties      []string         `json:"parties,omitempty"`
	Entities     []string         `json:"entities,omitempty"`
	KeyTerms     []KeyTerm        `json:"key_terms,omitempty"`
	Dates        []string         `json:"dates,omitempty"`
	Amounts      []MonetaryAmount `json:"amounts,omitempty"`
	Clauses      []ClauseRef      `json:"clauses,omitempty"`
	PageCount    int              `json:"page_count"`
	Empty        bool             `json:"empty,omitempty"`
	Warning      string           `json:"warning,omitempty"`
}

// KeyTerm is a notable commercial term found in a document.
type KeyTerm struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Page  int    `json:"page,omitempty"`
}

// MonetaryAmount is an amount mentioned in a document.
type MonetaryAmount struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Context  string  `json:"context,omitempty"`
}

// ClauseRef is a clause heading located in a document.
type ClauseRef struct {
	Reference string `json:"reference"`
	Heading   string `json:"heading,omitempty"`
	Page      int    `json:"page,omitempty"`
}

// Progress summarises document processing for a case.
type Progress struct {
	Total       int     `json:"total" yaml:"total"`
	Complete    int     `json:"complete" yaml:"complete"`
	Unsupported int     `json:"unsupported" yaml:"unsupported"`
	InProgress  int     `json:"in_progress" yaml:"in_progress"`
	Percent     float64 `json:"percent" yaml:"percent"`
}

// NewProgress computes percent as round(100*complete/total) to one decimal,
// or 0 when total is 0.
func NewProgress(total, complete, unsupported, inProgress int) Progress {
	p := Progress{
		Total:       total,
		Complete:    complete,
		Unsupported: unsupported,
		InProgress:  inProgress,
	}
	if total > 0 {
		p.Percent = math.Round(1000*float64(complete)/float64(total)) / 10
	}
	return p
}
