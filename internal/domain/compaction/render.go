package compaction

import (
	"bytes"

	"github.com/yuin/goldmark"
)

// RenderSummaryHTML renders a compaction summary to HTML for the
// dashboard's history view. This is a thin presentation adapter: it never
// participates in the summarization or pruning logic above, it just
// gives the operator-facing UI a readable rendering of the stored
// <state_snapshot> text.
func RenderSummaryHTML(summary string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(summary), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
