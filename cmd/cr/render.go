package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"controlroom/internal/budget"
	"controlroom/internal/domain"
	"controlroom/internal/engine"
)

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func checkColor(s domain.CheckStatus) *color.Color {
	switch s {
	case domain.CheckPass:
		return color.New(color.FgGreen)
	case domain.CheckFail:
		return color.New(color.FgRed, color.Bold)
	case domain.CheckWarn:
		return color.New(color.FgYellow)
	case domain.CheckRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

func levelColor(l budget.Level) *color.Color {
	switch l {
	case budget.LevelExceeded:
		return color.New(color.FgRed, color.Bold)
	case budget.LevelCritical:
		return color.New(color.FgRed)
	case budget.LevelWarning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func runColor(s domain.RunStatus) *color.Color {
	switch s {
	case domain.RunReady:
		return color.New(color.FgGreen, color.Bold)
	case domain.RunBlocked:
		return color.New(color.FgRed, color.Bold)
	case domain.RunValidating:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

func severityColor(s domain.Severity) *color.Color {
	switch s {
	case domain.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case domain.SeverityWarning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}

func renderView(w io.Writer, v engine.View) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %s\n", bold("Project:"), v.ProjectID)
	if v.Run.ID == "" {
		fmt.Fprintln(w, "Run: never executed")
	} else {
		fmt.Fprintf(w, "Run: %s %s (last checked %s)\n", v.Run.ID, runColor(v.Run.Status).Sprint(v.Run.Status), v.Run.LastCheckedAt)
		if v.Run.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", color.RedString(v.Run.Error))
		}
	}

	if len(v.Tabs) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.SetStyle(table.StyleLight)
		tw.AppendHeader(table.Row{"Tab", "Status", "Categories"})
		for _, tab := range v.Tabs {
			var cats []string
			for _, c := range tab.Categories {
				cats = append(cats, fmt.Sprintf("%s %s", c.Name, checkColor(c.Status).Sprint(c.Status)))
			}
			tw.AppendRow(table.Row{tab.Name, checkColor(tab.Status).Sprint(tab.Status), strings.Join(cats, ", ")})
		}
		tw.Render()
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Category", "Status", "Pass", "Fail", "Warn", "Total"})
	for _, c := range v.Categories {
		tw.AppendRow(table.Row{c.Name, checkColor(c.Status).Sprint(c.Status), c.Passed, c.Failed, c.Warned, c.Total})
	}
	tw.Render()

	var failing []domain.Check
	for _, c := range v.Run.Checks {
		if c.Status == domain.CheckFail || c.Status == domain.CheckWarn {
			failing = append(failing, c)
		}
	}
	if len(failing) > 0 {
		ct := table.NewWriter()
		ct.SetOutputMirror(w)
		ct.SetStyle(table.StyleLight)
		ct.AppendHeader(table.Row{"Check", "Category", "Priority", "Status", "Message", "Recommendation"})
		for _, c := range failing {
			ct.AppendRow(table.Row{c.ID, c.Category, c.Priority, checkColor(c.Status).Sprint(c.Status), c.Message, c.Recommendation})
		}
		ct.Render()
	}

	vd := v.Verdict
	fmt.Fprintf(w, "%s %s  %d%% (%d/%d), %d critical remaining\n",
		bold("Verdict:"), runColor(vd.Status).Sprint(strings.ToUpper(string(vd.Status))), vd.Percentage, vd.Completed, vd.Total, vd.CriticalRemaining)
	for _, r := range vd.Reasons {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	if v.Budget != nil {
		fmt.Fprintf(w, "Budget: %s\n", levelColor(v.Budget.Level).Sprint(v.Budget.Level))
	}
	if v.PersistWarning != "" {
		fmt.Fprintf(w, "%s %s\n", color.YellowString("warning:"), v.PersistWarning)
	}
}

func renderBudget(w io.Writer, st budget.Status) {
	level := levelColor(st.Level).Sprint(strings.ToUpper(string(st.Level)))
	paused := ""
	if st.AutoPaused {
		paused = color.New(color.FgRed, color.Bold).Sprint(" (auto-paused)")
	}
	fmt.Fprintf(w, "Budget: %s%s  total spend %.2f\n", level, paused, st.Usage.Total)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Scope", "Target", "Spent", "Budget", "Used", "Level"})
	for _, s := range st.Scopes {
		ceiling := "unlimited"
		if s.Budget > 0 {
			ceiling = fmt.Sprintf("%.2f", s.Budget)
		}
		tw.AppendRow(table.Row{s.Scope, s.Target, fmt.Sprintf("%.2f", s.Spent), ceiling, fmt.Sprintf("%d%%", s.Percent), levelColor(s.Level).Sprint(s.Level)})
	}
	tw.Render()

	if len(st.Alerts) > 0 {
		fmt.Fprintln(w, "Recent alerts:")
		for _, a := range st.Alerts {
			line := fmt.Sprintf("  [%s] %s %s: %s", a.Level, a.Timestamp, a.Type, a.Message)
			if a.Action != "" {
				line += " -> " + a.Action
			}
			fmt.Fprintln(w, severityColor(domain.Severity(a.Level)).Sprint(line))
		}
	}
}

func renderAudit(w io.Writer, items []domain.AuditLogEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Time", "Event", "Severity", "Actor", "Action", "Review"})
	for _, e := range items {
		review := ""
		if e.RequiresReview {
			review = color.New(color.FgRed, color.Bold).Sprint("required")
		}
		tw.AppendRow(table.Row{
			e.ID,
			e.CreatedAt,
			e.EventType,
			severityColor(e.Severity).Sprint(e.Severity),
			e.ActorType + ":" + e.ActorID,
			e.Action,
			review,
		})
	}
	tw.Render()
}
