package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/flotilla/internal/controlplane"
	"github.com/fentz26/flotilla/internal/models"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("241")

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	driftStyle = lipgloss.NewStyle().Foreground(warningColor).Italic(true)
)

func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(models.SlotStateRunning), string(models.AgentStateOnline):
		return lipgloss.NewStyle().Foreground(successColor)
	case string(models.SlotStateRestarting), string(models.AgentStateProvisioning):
		return lipgloss.NewStyle().Foreground(warningColor)
	case string(models.SlotStateTerminated), string(models.AgentStateOffline), string(models.SlotStateUnknown):
		return lipgloss.NewStyle().Foreground(errorColor)
	}
	return lipgloss.NewStyle()
}

// The colored column is always last so ANSI codes never skew tabwriter.
func printSlots(out io.Writer, slots []controlplane.SlotRepresentation) {
	if len(slots) == 0 {
		fmt.Fprintln(out, "No slots found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tHOST\tBINARY\tCONFIG\tSTATE")
	for _, s := range slots {
		state := stateStyle(string(s.State)).Render(string(s.State))
		if note := driftNote(s.SlotStatus); note != "" {
			state += " " + driftStyle.Render(note)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ShortID, s.Host(), s.Assignment.Binary, s.Assignment.Config, state)
	}
	w.Flush()
}

func driftNote(s models.SlotStatus) string {
	if s.StatusMessage != "" {
		return "(" + s.StatusMessage + ")"
	}
	return ""
}

func printAgents(out io.Writer, agents []models.AgentStatus) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "No agents found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOST\tINSTANCE TYPE\tSLOTS\tRESOURCES\tSTATE")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(a.ID), a.Host(), a.InstanceType, len(a.Slots),
			formatResources(a.AvailableResources()),
			stateStyle(string(a.State)).Render(string(a.State)))
	}
	w.Flush()
}

func printServices(out io.Writer, services []models.ServiceDescriptor) {
	if len(services) == 0 {
		fmt.Fprintln(out, "No services found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tPOOL\tSLOT\tLOCATION\tPROPERTIES")
	for _, s := range services {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Type, s.Pool, truncateID(s.SlotID), s.Location, formatProperties(s.Properties))
	}
	w.Flush()
}

// printVersion reports the fleet version token for use with --expected-version.
func printVersion(token string) {
	if token == "" {
		return
	}
	fmt.Fprintln(os.Stderr, mutedStyle.Render("slots version: "+token))
}

func formatResources(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, ",")
}

func formatProperties(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
