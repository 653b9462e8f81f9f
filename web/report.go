// ABOUTME: Markdown run report generation and HTML rendering via goldmark.
// ABOUTME: Summarizes status, node rows, and compensation events for operators.
package web

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/maru-assistant/maru/store"
)

// RunReport builds a human-readable markdown summary of a persisted run.
func RunReport(rec *store.RunRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", rec.RunID)
	fmt.Fprintf(&b, "- **Pipeline:** %s\n", rec.PipelineID)
	fmt.Fprintf(&b, "- **User:** %s\n", rec.UserID)
	fmt.Fprintf(&b, "- **Status:** %s\n", rec.Status)
	fmt.Fprintf(&b, "- **Started:** %s\n", rec.CreatedAt)
	fmt.Fprintf(&b, "- **Tool calls:** %d\n", rec.ToolCalls)
	if rec.ReuseCount > 0 {
		fmt.Fprintf(&b, "- **Idempotent reuses:** %d\n", rec.ReuseCount)
	}

	if rec.Failure != nil {
		b.WriteString("\n## Failure\n\n")
		fmt.Fprintf(&b, "- **Code:** `%s`\n", rec.Failure.Code)
		fmt.Fprintf(&b, "- **Step:** %s\n", rec.Failure.FailedStep)
		if rec.Failure.FailedItemRef != "" {
			fmt.Fprintf(&b, "- **Item:** %s\n", rec.Failure.FailedItemRef)
		}
		if rec.Failure.CompensationStatus != "" {
			fmt.Fprintf(&b, "- **Compensation:** %s\n", rec.Failure.CompensationStatus)
		}
		fmt.Fprintf(&b, "- **Reason:** %s\n", rec.Failure.Reason)
	}

	b.WriteString("\n## Nodes\n\n")
	if len(rec.NodeRuns) == 0 {
		b.WriteString("No nodes executed.\n")
	} else {
		b.WriteString("| Node | Type | Status | Attempt | Duration | Notes |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, nr := range rec.NodeRuns {
			notes := nodeNotes(nr)
			fmt.Fprintf(&b, "| %s | %s | %s | %d | %dms | %s |\n",
				nr.NodeID, nr.NodeType, nr.Status, nr.Attempt, nr.DurationMS, notes)
		}
	}

	if len(rec.CompensationEvents) > 0 {
		b.WriteString("\n## Compensation\n\n")
		for _, ce := range rec.CompensationEvents {
			line := fmt.Sprintf("- %s (`%s`): %s", ce.NodeID, ce.SkillName, ce.Status)
			if ce.ExternalRef != "" {
				line += fmt.Sprintf(" [%s]", ce.ExternalRef)
			}
			b.WriteString(line + "\n")
		}
	}

	return b.String()
}

func nodeNotes(nr store.NodeRunRow) string {
	var notes []string
	if nr.ErrorCode != "" {
		notes = append(notes, "`"+nr.ErrorCode+"`")
	}
	if nr.Reused {
		notes = append(notes, "reused")
	}
	if nr.ExternalRef != "" {
		notes = append(notes, nr.ExternalRef)
	}
	if len(notes) == 0 {
		return ""
	}
	return strings.Join(notes, ", ")
}

// RenderMarkdown converts markdown to HTML. Raw HTML in the input is escaped
// by falling back to the escaped source when conversion fails.
func RenderMarkdown(input string) string {
	var buf bytes.Buffer
	md := goldmark.New()
	if err := md.Convert([]byte(input), &buf); err != nil {
		return template.HTMLEscapeString(input)
	}
	return buf.String()
}
