package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence-cli/internal/graph"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/pkg/anthropic"
)

// Task markers open every user prompt so a unit's request is identifiable
// in logs and test doubles.
const (
	taskExtract  = "TASK: extract"
	taskAnalyze  = "TASK: analyze"
	taskCrossDoc = "TASK: cross_document"
	taskSection  = "TASK: section "
)

const extractInstructions = `You are a due-diligence analyst indexing a data room.
Read the document and return a single JSON object with these keys:
document_type, title, summary, parties (array of legal names), entities (other named
organisations, assets, registrations), key_terms (array of {name, value, page}),
dates (ISO 8601 strings), amounts (array of {amount, currency, context}),
clauses (array of {reference, heading, page}).
Use ISO 4217 currency codes. Return JSON only.`

const analyzeInstructions = `You are a due-diligence lawyer reviewing one document of a transaction.
Identify legal, commercial and financial risks for the buyer. Return a single JSON object
{"findings": [...]} where each finding has: category (snake_case, e.g. change_of_control,
employment, property, ip, regulatory, tax, litigation, financing), detail, exposure
{amount, currency, calculation} or null, confidence {existence, severity, amount, basis}
with probabilities in [0,1], statutory {act, section, consequence, regulatory_body} or null,
resolution {mechanism, responsible_party, timeline, cost, cost_confidence} or null,
clause {reference, excerpt} or null, page, and reasoning (object of ordered step name to
text: identify, assess, quantify). Return {"findings": []} when there are none. JSON only.`

const crossDocInstructions = `You are a due-diligence lawyer reviewing a cluster of related documents.
Find conflicts, inconsistencies and cascading implications that only appear when the
documents are read together. Return a single JSON object with:
"findings": new cross-document findings in the same shape as single-document findings,
plus "documents" (the ids of the documents involved);
"links": array of {finding_id, documents} naming existing findings that are also
evidenced by other documents of the cluster. JSON only.`

const synthesisInstructions = `You are the partner signing off a due-diligence report.
Answer the requested section using only the findings provided. JSON only.`

// caseContext is the cached, run-specific part of the system prompt.
func (o *Orchestrator) caseContext(st *runState) string {
	return fmt.Sprintf("Case: %s\nAnalysis: %s\nReporting currency: %s\nMateriality threshold: %.2f %s",
		st.run.CaseID, st.run.Name,
		o.currency(), o.cfg.Pipeline.MaterialityThreshold, o.currency())
}

func (o *Orchestrator) system(st *runState, instructions string) []anthropic.SystemBlock {
	return anthropic.BuildCachedSystemBlocks(instructions, o.caseContext(st))
}

func extractPrompt(doc model.Document, text *model.DocumentText, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nDocument id: %s\nFile name: %s\nPages: %d\n\n", taskExtract, doc.ID, doc.Name, len(text.Pages))
	writePages(&b, text, maxChars)
	return b.String()
}

func analyzePrompt(doc model.Document, text *model.DocumentText, own model.DocumentExtraction, related []model.DocumentExtraction, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nDocument id: %s\nFile name: %s\n\n", taskAnalyze, doc.ID, doc.Name)
	if own.Summary != "" || own.Title != "" {
		fmt.Fprintf(&b, "Index entry: %s. %s\n", own.Title, own.Summary)
	}
	if len(related) > 0 {
		b.WriteString("\nRelated documents:\n")
		for _, r := range related {
			fmt.Fprintf(&b, "- [%s] %s (%s): %s\n", r.DocumentID, r.Title, r.DocumentType, r.Summary)
		}
	}
	b.WriteString("\nDocument text:\n")
	writePages(&b, text, maxChars)
	return b.String()
}

func crossDocPrompt(c graph.Cluster, exts []model.DocumentExtraction, findings []model.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nCluster: %s\n", taskCrossDoc, c.ID)
	if len(c.SharedEntities) > 0 {
		fmt.Fprintf(&b, "Shared parties and entities: %s\n", strings.Join(c.SharedEntities, "; "))
	}
	b.WriteString("\nDocuments:\n")
	for _, ex := range exts {
		fmt.Fprintf(&b, "- [%s] %s (%s): %s\n", ex.DocumentID, ex.Title, ex.DocumentType, ex.Summary)
		for _, kt := range ex.KeyTerms {
			fmt.Fprintf(&b, "    %s: %s\n", kt.Name, kt.Value)
		}
	}
	b.WriteString("\nExisting findings:\n")
	if len(findings) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] (%s, source %s) %s\n", f.ID, f.Category, f.Source.DocumentID, f.Detail)
	}
	return b.String()
}

func sectionPrompt(section, question string, findings []model.Finding, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s\n%s\n\nFindings:\n", taskSection, section, question)
	if len(findings) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s | impact=%s | %s", f.ID, f.Category, f.DealImpact, f.Detail)
		if f.Exposure != nil {
			fmt.Fprintf(&b, " | exposure=%.2f %s", f.Exposure.Amount, f.Exposure.Currency)
		}
		if f.Materiality.Classification != "" {
			fmt.Fprintf(&b, " | %s", f.Materiality.Classification)
		}
		b.WriteString("\n")
	}
	if extra != "" {
		b.WriteString("\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String()
}

// writePages appends page-tagged text, truncated to maxChars.
func writePages(b *strings.Builder, text *model.DocumentText, maxChars int) {
	remaining := maxChars
	for _, p := range text.Pages {
		if p.Text == "" {
			continue
		}
		body := p.Text
		if maxChars > 0 {
			if remaining <= 0 {
				b.WriteString("\n[truncated]\n")
				return
			}
			if len(body) > remaining {
				body = body[:remaining]
			}
			remaining -= len(body)
		}
		fmt.Fprintf(b, "--- page %d ---\n%s\n", p.Number, body)
	}
}

// decodeReply unmarshals a model reply into v.
func decodeReply(raw string, v any) error {
	if err := json.Unmarshal([]byte(anthropic.ExtractJSON(raw)), v); err != nil {
		return eris.Wrap(err, "model reply is not valid JSON")
	}
	return nil
}

type candidateReply struct {
	Findings []model.FindingCandidate `json:"findings"`
}

type crossDocFinding struct {
	model.FindingCandidate
	Documents []string `json:"documents"`
}

type crossDocLink struct {
	FindingID string   `json:"finding_id"`
	Documents []string `json:"documents"`
}

type crossDocReply struct {
	Findings []crossDocFinding `json:"findings"`
	Links    []crossDocLink    `json:"links"`
}
