package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/notify"
	"github.com/sells-group/diligence-cli/pkg/anthropic"
)

// --- Anthropic fake ---

// replyFunc answers one request. task is the first prompt line.
type replyFunc func(ctx context.Context, task, prompt string) (string, error)

type fakeAI struct {
	mu      sync.Mutex
	calls   []anthropic.MessageRequest
	reply   replyFunc
	onCall  func(n int)
	usageIn int64
}

func newFakeAI() *fakeAI {
	return &fakeAI{reply: defaultReply, usageIn: 1000}
}

func (f *fakeAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt := req.Messages[0].Content
	task, _, _ := strings.Cut(prompt, "\n")

	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	reply, onCall := f.reply, f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}
	text, err := reply(ctx, task, prompt)
	if err != nil {
		return nil, err
	}
	return &anthropic.MessageResponse{
		ID:      fmt.Sprintf("msg_%d", n),
		Model:   req.Model,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   model.TokenUsage{InputTokens: f.usageIn, OutputTokens: 200},
	}, nil
}

func (f *fakeAI) setReply(r replyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = r
}

// count returns the number of requests whose task line starts with prefix.
func (f *fakeAI) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c.Messages[0].Content, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeAI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var (
	docIDPattern     = regexp.MustCompile(`Document id: (\S+)`)
	findingIDPattern = regexp.MustCompile(`(?m)^- \[([^\]]+)\]`)
)

func docIDOf(prompt string) string {
	if m := docIDPattern.FindStringSubmatch(prompt); m != nil {
		return m[1]
	}
	return ""
}

// defaultReply gives every document the shared party "Acme Ltd", one
// employment finding per document and classifies the first finding listed
// as a deal blocker.
func defaultReply(_ context.Context, task, prompt string) (string, error) {
	switch {
	case task == taskExtract:
		id := docIDOf(prompt)
		return fmt.Sprintf(`{"document_type":"agreement","title":"Agreement %s","summary":"Terms of %s",
			"parties":["Acme Ltd","Counterparty %s"],"clauses":[{"reference":"1.1","heading":"Definitions"}]}`, id, id, id), nil
	case task == taskAnalyze:
		id := docIDOf(prompt)
		return fmt.Sprintf("```json\n"+`{"findings":[{"category":"Employment","detail":"Change-of-control bonus in %s",
			"exposure":{"amount":1234.567,"currency":"usd","calculation":"bonus"},
			"confidence":{"existence":1.4,"severity":0.5,"amount":0.4,"basis":"clause"},
			"clause":{"reference":"1.1"},"page":1,"reasoning":{"identify":"found","quantify":"1x salary"}}]}`+"\n```", id), nil
	case task == taskCrossDoc:
		return `{"findings":[],"links":[]}`, nil
	case task == taskSection+SectionClassification:
		ids := findingIDPattern.FindAllStringSubmatch(prompt, -1)
		parts := make([]string, 0, len(ids))
		for i, m := range ids {
			impact := "noted"
			if i == 0 {
				impact = "deal_blocker"
			}
			parts = append(parts, fmt.Sprintf(`{"finding_id":%q,"deal_impact":%q}`, m[1], impact))
		}
		return `{"classifications":[` + strings.Join(parts, ",") + `]}`, nil
	case task == taskSection+SectionAssessment:
		return `{"recommendation":"Renegotiate","risk_rating":"high","rationale":"Bonus exposure"}`, nil
	case task == taskSection+SectionRecommendations:
		return `{"recommendations":["Obtain bonus waivers before signing"]}`, nil
	case task == taskSection+SectionSummary:
		return `{"executive_summary":"Employment exposure requires a price adjustment."}`, nil
	}
	return "", fmt.Errorf("unexpected task %q", task)
}

// --- Notify recorder ---

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Dispatch(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
