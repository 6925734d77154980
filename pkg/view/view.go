// Package view renders tasks for the terminal.
package view

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"repo-cipher/pkg/model"
)

const (
	colorRunning = "39"
	colorOK      = "42"
	colorFail    = "196"
	colorMuted   = "245"
	colorCancel  = "214"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true).MarginTop(1)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorFail))
	aiStyle      = lipgloss.NewStyle().Italic(true).PaddingLeft(2)
	barStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRunning))
	emptyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#333333"))
)

func statusColor(s model.Status) string {
	switch s {
	case model.StatusCompleted:
		return colorOK
	case model.StatusFailed:
		return colorFail
	case model.StatusCancelled:
		return colorCancel
	case model.StatusCreated:
		return colorMuted
	default:
		return colorRunning
	}
}

// StatusBadge renders a task status as a fixed-width coloured label.
func StatusBadge(s model.Status) string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color(statusColor(s))).
		Bold(true).
		Width(10).
		Render(string(s))
}

func toolBadge(s model.ToolStatus) string {
	c := colorRunning
	switch s {
	case model.ToolCompleted:
		c = colorOK
	case model.ToolErrored:
		c = colorFail
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(c)).Width(9).Render(string(s))
}

// ProgressBar renders p as a bar of width cells followed by the percentage.
func ProgressBar(p *model.Progress, width int) string {
	if width < 3 {
		width = 10
	}
	pct := 0.0
	if p != nil {
		pct = p.Percentage
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	bar := barStyle.Render(strings.Repeat("█", filled)) +
		emptyStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3d%%", bar, int(pct))
}

// Age renders how long ago t was, coarsely.
func Age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// TaskList renders one line per task.
func TaskList(tasks []model.Task, now time.Time) string {
	if len(tasks) == 0 {
		return mutedStyle.Render("No tasks.")
	}
	var sb strings.Builder
	for _, t := range tasks {
		name := t.RepositoryName
		if name == "" {
			name = t.Title
		}
		pct := 0
		if t.Progress != nil {
			pct = int(t.Progress.Percentage)
		}
		fmt.Fprintf(&sb, "%s %s %-32s %4d%%  %s\n",
			mutedStyle.Render(shortID(t.ID)),
			StatusBadge(t.Status),
			truncate(name, 32),
			pct,
			mutedStyle.Render(Age(t.UpdatedAt, now)))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// TaskDetail renders everything known about a task.
func TaskDetail(t model.Task, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(t.Title))
	sb.WriteString("  ")
	sb.WriteString(StatusBadge(t.Status))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%s %s\n", mutedStyle.Render("id:        "), t.ID)
	fmt.Fprintf(&sb, "%s %s\n", mutedStyle.Render("repository:"), t.RepositoryURL)
	if t.Prompt != "" {
		fmt.Fprintf(&sb, "%s %s\n", mutedStyle.Render("prompt:    "), t.Prompt)
	}
	fmt.Fprintf(&sb, "%s %s, updated %s\n", mutedStyle.Render("created:   "),
		Age(t.CreatedAt, now), Age(t.UpdatedAt, now))

	sb.WriteString("\n")
	sb.WriteString(ProgressBar(t.Progress, 30))
	if t.Progress != nil && t.Progress.CurrentStep != "" {
		sb.WriteString("  " + t.Progress.CurrentStep)
		if t.Progress.StepNumber != nil && t.Progress.TotalSteps != nil {
			fmt.Fprintf(&sb, " (%d/%d)", *t.Progress.StepNumber, *t.Progress.TotalSteps)
		}
	}
	sb.WriteString("\n")

	if len(t.ToolResults) > 0 {
		sb.WriteString(sectionStyle.Render("Tools"))
		sb.WriteString("\n")
		for _, tr := range t.ToolResults {
			line := fmt.Sprintf("  %-20s %s", tr.Name, toolBadge(tr.Status))
			if tr.StartedAt != nil && tr.CompletedAt != nil {
				line += mutedStyle.Render(" " + tr.CompletedAt.Sub(*tr.StartedAt).Round(time.Millisecond).String())
			}
			switch {
			case tr.Error != "":
				line += " " + errorStyle.Render(tr.Error)
			case tr.Result != nil && tr.Result.Summary != "":
				line += " " + tr.Result.Summary
			}
			sb.WriteString(line + "\n")
			if tr.Result != nil {
				for _, w := range tr.Result.Warnings {
					sb.WriteString("    " + errorStyle.Render("! ") + w + "\n")
				}
			}
		}
	}

	if len(t.AIMessages) > 0 {
		sb.WriteString(sectionStyle.Render("Narration"))
		sb.WriteString("\n")
		for _, m := range t.AIMessages {
			sb.WriteString(aiStyle.Render(m) + "\n")
		}
	}

	if fr := t.FinalResults; fr != nil {
		sb.WriteString(sectionStyle.Render("Results"))
		sb.WriteString("\n")
		if fr.Summary != "" {
			sb.WriteString("  " + fr.Summary + "\n")
		}
		for _, k := range sortedKeys(fr.Metrics) {
			fmt.Fprintf(&sb, "  %s %s\n", mutedStyle.Render(k+":"), formatValue(fr.Metrics[k]))
		}
		for _, r := range fr.Recommendations {
			sb.WriteString("  - " + r + "\n")
		}
	}

	if e := t.Error; e != nil {
		sb.WriteString(sectionStyle.Render("Error"))
		sb.WriteString("\n")
		sb.WriteString("  " + errorStyle.Render(e.Message) + "\n")
		if e.Details != "" {
			sb.WriteString("  " + mutedStyle.Render(e.Details) + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Tools renders the backend tool registry.
func Tools(tools []model.ToolInfo) string {
	if len(tools) == 0 {
		return mutedStyle.Render("No tools advertised.")
	}
	var sb strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&sb, "%-16s %-10s %s", titleStyle.Render(t.Name), mutedStyle.Render(t.Category), t.Description)
		if len(t.Languages) > 0 {
			sb.WriteString(mutedStyle.Render(" [" + strings.Join(t.Languages, ", ") + "]"))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return fmt.Sprintf("%-8s", id)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
