package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/WessleyAI/threatintel/engine/advisory"
	"github.com/WessleyAI/threatintel/engine/rag"
)

var severityColors = map[string]lipgloss.Color{
	advisory.SeverityCritical: lipgloss.Color("196"),
	advisory.SeverityHigh:     lipgloss.Color("208"),
	advisory.SeverityMedium:   lipgloss.Color("220"),
	advisory.SeverityLow:      lipgloss.Color("34"),
}

// renderAnswer prints the answer followed by one line per cited advisory,
// with the severity label colored when out is a terminal.
func renderAnswer(out io.Writer, ans *rag.Answer) {
	r := lipgloss.NewRenderer(out)
	heading := r.NewStyle().Bold(true)
	muted := r.NewStyle().Foreground(lipgloss.Color("8"))

	fmt.Fprintln(out, ans.Text)
	if len(ans.Sources) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, heading.Render("Sources"))
	for i, s := range ans.Sources {
		fmt.Fprintf(out, "%2d. %s  %s  %s\n",
			i+1,
			s.AdvisoryID,
			severityStyle(r, s.Severity).Render(fmt.Sprintf("%-8s", s.Severity)),
			muted.Render("CVSS "+rag.FormatScore(s.Score)),
		)
	}
}

func severityStyle(r *lipgloss.Renderer, severity string) lipgloss.Style {
	st := r.NewStyle().Bold(true)
	if c, ok := severityColors[severity]; ok {
		return st.Foreground(c)
	}
	return st.Foreground(lipgloss.Color("8"))
}
