package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/driftline/warden/pkg/models"
)

// ClaudeExecutor drives a checklist item through the Anthropic API.
// It is deliberately stateless; the item and plan carry everything the
// model needs, and the returned report carries everything the engine
// stores.
type ClaudeExecutor struct {
	client *Client
	actor  string
	now    func() time.Time
}

// NewClaudeExecutor creates an executor over the given API client,
// attributing artifacts to the given actor identity.
func NewClaudeExecutor(client *Client, actor string) *ClaudeExecutor {
	return &ClaudeExecutor{
		client: client,
		actor:  actor,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// executionReport is the JSON shape the model is asked to answer with.
type executionReport struct {
	Status        string `json:"status"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	Needs         []string `json:"needs,omitempty"`
	Notes         []string `json:"notes,omitempty"`
	Artifacts     []struct {
		Type string `json:"type"`
		Path string `json:"path"`
	} `json:"artifacts,omitempty"`
}

// Run executes the item and returns its outcome. The context deadline
// is the lease expiry; once it passes, the attempt is abandoned and no
// result is reported.
func (e *ClaudeExecutor) Run(ctx context.Context, item *models.Item, plan string) (*Result, error) {
	prompt := buildPrompt(item, plan)

	resp, err := e.client.sdk().Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.client.Model(),
		MaxTokens: 8192,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", item.ID, err)
	}

	e.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	// The lease may have lapsed while the call was in flight. Results
	// from a lapsed holder must be discarded, not written.
	if deadline, ok := ctx.Deadline(); ok && !e.now().Before(deadline) {
		return nil, fmt.Errorf("execute %s: lease deadline passed: %w", item.ID, context.DeadlineExceeded)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	var report executionReport
	if err := parseJSON(text.String(), &report); err != nil {
		return nil, fmt.Errorf("execute %s: %w", item.ID, err)
	}
	return e.toResult(&report)
}

// toResult validates a report and converts it to the engine's Result.
func (e *ClaudeExecutor) toResult(report *executionReport) (*Result, error) {
	switch report.Status {
	case "completed":
		res := &Result{Notes: report.Notes}
		now := e.now()
		for _, a := range report.Artifacts {
			res.Artifacts = append(res.Artifacts, models.Artifact{
				Type:    a.Type,
				Path:    a.Path,
				AddedBy: e.actor,
				AddedAt: now,
			})
		}
		return res, nil
	case "blocked":
		if report.BlockedReason == "" {
			return nil, fmt.Errorf("blocked report without a reason")
		}
		return &Result{
			BlockedReason: report.BlockedReason,
			Needs:         report.Needs,
			Notes:         report.Notes,
		}, nil
	default:
		return nil, fmt.Errorf("unknown report status %q", report.Status)
	}
}

// buildPrompt renders the item and plan into the execution prompt.
func buildPrompt(item *models.Item, plan string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are an autonomous engineering agent working on one checklist item.\n\n")
	fmt.Fprintf(&b, "ITEM: %s\n", item.Title)
	if item.Description != "" {
		fmt.Fprintf(&b, "\nDESCRIPTION:\n%s\n", item.Description)
	}
	if len(item.AcceptanceCriteria) > 0 {
		b.WriteString("\nACCEPTANCE CRITERIA:\n")
		for i, c := range item.AcceptanceCriteria {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c)
		}
	}
	if plan != "" {
		fmt.Fprintf(&b, "\nPLAN:\n%s\n", plan)
	}

	b.WriteString(`
Work the item to completion. When finished, respond with ONLY a JSON object:
{
  "status": "completed",
  "artifacts": [{"type": "file", "path": "relative/path"}],
  "notes": ["what was done and why"]
}

If you cannot proceed, respond with ONLY:
{
  "status": "blocked",
  "blocked_reason": "what is stopping you",
  "needs": ["what would unblock you"]
}
`)
	return b.String()
}

// parseJSON extracts the first JSON object or array from a response
// and unmarshals it into target. Models often wrap JSON in prose.
func parseJSON(response string, target any) error {
	jsonStart := strings.Index(response, "{")
	if jsonStart == -1 {
		jsonStart = strings.Index(response, "[")
	}
	jsonEnd := strings.LastIndex(response, "}")
	if jsonEnd == -1 {
		jsonEnd = strings.LastIndex(response, "]")
	}

	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return fmt.Errorf("no valid JSON found in response: %s", truncate(response, 200))
	}

	jsonStr := response[jsonStart : jsonEnd+1]
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("parse JSON: %w (response: %s)", err, truncate(jsonStr, 200))
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
