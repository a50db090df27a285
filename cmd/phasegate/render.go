package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"phasegate/internal/domain"
)

var (
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	currentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	pendingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	futureStyle  = lipgloss.NewStyle().Faint(true)
)

// phaseStrip renders the lifecycle with the task's position highlighted.
func phaseStrip(p domain.Phase, s domain.SubState) string {
	cur := p.Index()
	parts := make([]string, 0, len(domain.Phases()))
	for i, ph := range domain.Phases() {
		label := string(ph)
		switch {
		case i < cur:
			parts = append(parts, doneStyle.Render("✓ "+label))
		case i == cur && s == domain.SubStatePendingValidation:
			parts = append(parts, pendingStyle.Render("? "+label))
		case i == cur:
			parts = append(parts, currentStyle.Render("● "+label))
		default:
			parts = append(parts, futureStyle.Render(label))
		}
	}
	return strings.Join(parts, futureStyle.Render(" › "))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	tw := newTable()
	tw.AppendRow(table.Row{"ID", t.ID})
	tw.AppendRow(table.Row{"Title", t.Title})
	tw.AppendRow(table.Row{"Org", t.OrgID})
	tw.AppendRow(table.Row{"Assignee", t.AssignedTo})
	tw.AppendRow(table.Row{"Phase", t.Phase})
	tw.AppendRow(table.Row{"Sub-state", t.SubState})
	if t.SubmittedEvidence != nil {
		tw.AppendRow(table.Row{"Evidence", *t.SubmittedEvidence})
	}
	tw.AppendRow(table.Row{"Updated", t.UpdatedAt})
	tw.Render()
	fmt.Println(phaseStrip(t.Phase, t.SubState))
	return nil
}

func printState(st domain.TaskState) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("%s: %s/%s\n", st.TaskID, st.Phase, st.SubState)
	fmt.Println(phaseStrip(st.Phase, st.SubState))
	return nil
}

func renderTasks(tasks []domain.Task) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Title", "Assignee", "Phase", "Sub-state", "Updated"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.AssignedTo, t.Phase, t.SubState, t.UpdatedAt})
	}
	tw.Render()
}

func renderQueue(items []domain.QueueItem) {
	if len(items) == 0 {
		fmt.Println(futureStyle.Render("nothing awaiting validation"))
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Task", "Title", "Assignee", "Phase", "Next", "Evidence"})
	for _, it := range items {
		evidence := ""
		if it.SubmittedEvidence != nil {
			evidence = *it.SubmittedEvidence
		}
		tw.AppendRow(table.Row{it.TaskID, it.Title, it.AssignedToName, it.Phase, it.NextRequestedPhase, evidence})
	}
	tw.Render()
}

func renderHistory(entries []domain.HistoryEntry) {
	tw := newTable()
	tw.AppendHeader(table.Row{"When", "Action", "Actor", "From", "To", "Comment"})
	for _, h := range entries {
		tw.AppendRow(table.Row{h.CreatedAt, h.Action, h.ActorName, h.FromPhase, h.ToPhase, h.Comment})
	}
	tw.Render()
}

func renderActors(actors []domain.Actor) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Name", "Role", "Org"})
	for _, a := range actors {
		tw.AppendRow(table.Row{a.ID, a.Name(), a.Role, a.OrgID})
	}
	tw.Render()
}

func renderKeys(keys []domain.APIKey) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
	}
	tw.Render()
}
