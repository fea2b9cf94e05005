// Package tui provides the interactive fleet dashboard.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/flotilla/internal/controlplane"
	"github.com/fentz26/flotilla/internal/filter"
	"github.com/fentz26/flotilla/internal/models"
	"github.com/fentz26/flotilla/internal/versions"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	driftStyle = lipgloss.NewStyle().
			Foreground(warningColor)
)

const (
	modeSlots  = "slots"
	modeAgents = "agents"
	modeDetail = "detail"
)

// DefaultRefreshInterval is how often the dashboard polls the coordinator.
const DefaultRefreshInterval = 2 * time.Second

// App is the dashboard model.
type App struct {
	client       *Client
	interval     time.Duration
	slots        []controlplane.SlotRepresentation
	version      string
	agents       []models.AgentStatus
	selectedIdx  int
	agentIdx     int
	input        textinput.Model
	filtering    bool
	filter       filter.SlotFilter
	viewport     viewport.Model
	width        int
	height       int
	mode         string
	message      string
	daemonOnline bool
}

type (
	slotsLoadedMsg struct {
		slots   []controlplane.SlotRepresentation
		version string
	}
	agentsLoadedMsg  struct{ agents []models.AgentStatus }
	daemonStatusMsg  struct{ online bool }
	commandResultMsg struct{ message string }
	errMsg           struct{ err error }
	tickMsg          time.Time
)

// New creates a dashboard for the coordinator at apiAddr.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "binary glob, e.g. *:apple:*"
	ti.Prompt = "/ "
	ti.CharLimit = 256
	ti.Width = 60

	return &App{
		client:   NewClient(apiAddr),
		interval: DefaultRefreshInterval,
		input:    ti,
		viewport: viewport.New(80, 20),
		mode:     modeSlots,
	}
}

// Run starts the dashboard.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.filtering {
			return a.updateFilter(msg)
		}
		return a.updateKeys(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = msg.Height - 6

	case slotsLoadedMsg:
		a.slots = msg.slots
		a.version = msg.version
		if a.selectedIdx >= len(a.slots) {
			a.selectedIdx = max(0, len(a.slots)-1)
		}

	case agentsLoadedMsg:
		a.agents = msg.agents
		if a.agentIdx >= len(a.agents) {
			a.agentIdx = max(0, len(a.agents)-1)
		}

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.fetchSlots()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}
	return a, nil
}

func (a *App) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.filtering = false
		a.input.Blur()
		return a, nil
	case "enter":
		a.filtering = false
		a.input.Blur()
		a.filter.Binary = strings.Fields(a.input.Value())
		a.selectedIdx = 0
		return a, a.fetchSlots()
	}
	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return a, tea.Quit

	case "esc":
		if a.mode == modeDetail {
			a.mode = modeSlots
		}

	case "/":
		if a.mode == modeSlots {
			a.filtering = true
			return a, a.input.Focus()
		}

	case "tab":
		if a.mode == modeAgents {
			a.mode = modeSlots
		} else {
			a.mode = modeAgents
		}

	case "up", "k":
		if a.mode == modeSlots && a.selectedIdx > 0 {
			a.selectedIdx--
		} else if a.mode == modeAgents && a.agentIdx > 0 {
			a.agentIdx--
		} else if a.mode == modeDetail {
			a.viewport.LineUp(1)
		}

	case "down", "j":
		if a.mode == modeSlots && a.selectedIdx < len(a.slots)-1 {
			a.selectedIdx++
		} else if a.mode == modeAgents && a.agentIdx < len(a.agents)-1 {
			a.agentIdx++
		} else if a.mode == modeDetail {
			a.viewport.LineDown(1)
		}

	case "enter":
		if slot, ok := a.selected(); ok && a.mode == modeSlots {
			a.mode = modeDetail
			a.viewport.SetContent(slotDetail(slot.SlotStatus))
			a.viewport.GotoTop()
		}

	case "r":
		return a, a.refresh()

	case "s":
		return a, a.command("start")
	case "x":
		return a, a.command("stop")
	case "R":
		return a, a.command("restart")
	case "T":
		return a, a.command("terminate")
	}
	return a, nil
}

func (a *App) selected() (controlplane.SlotRepresentation, bool) {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.slots) {
		return controlplane.SlotRepresentation{}, false
	}
	return a.slots[a.selectedIdx], true
}

// --- Commands ---

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) refresh() tea.Cmd {
	return tea.Batch(a.fetchSlots(), a.fetchAgents(), a.checkDaemon())
}

func (a *App) fetchSlots() tea.Cmd {
	client, f := a.client, a.filter
	return func() tea.Msg {
		slots, version, err := client.Slots(f)
		if err != nil {
			return errMsg{err}
		}
		return slotsLoadedMsg{slots: slots, version: version}
	}
}

func (a *App) fetchAgents() tea.Cmd {
	client := a.client
	return func() tea.Msg {
		agents, err := client.Agents()
		if err != nil {
			return errMsg{err}
		}
		return agentsLoadedMsg{agents: agents}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	client := a.client
	return func() tea.Msg {
		return daemonStatusMsg{online: client.Healthy()}
	}
}

// command applies a lifecycle command to the selected slot, guarded by the
// version of the slot as last displayed.
func (a *App) command(target string) tea.Cmd {
	slot, ok := a.selected()
	if !ok || a.mode == modeAgents {
		return nil
	}
	client := a.client
	version := versions.SlotsVersion([]models.SlotStatus{slot.SlotStatus})
	return func() tea.Msg {
		var (
			results []controlplane.SlotRepresentation
			err     error
		)
		if target == "terminate" {
			results, err = client.Terminate(slot.ID, version)
		} else {
			results, err = client.SetState(slot.ID, target, version)
		}
		if err != nil {
			return errMsg{err}
		}
		if len(results) == 0 {
			return commandResultMsg{fmt.Sprintf("%s: slot %s no longer selected", target, slot.ShortID)}
		}
		r := results[0]
		if r.StatusMessage != "" {
			return commandResultMsg{fmt.Sprintf("%s %s: %s (%s)", target, r.ShortID, r.State, r.StatusMessage)}
		}
		return commandResultMsg{fmt.Sprintf("%s %s: %s", target, r.ShortID, r.State)}
	}
}

// --- Rendering ---

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● COORDINATOR")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ COORDINATOR")
	}
	header := titleStyle.Render("FLOTILLA")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d slots, %d agents]", len(a.slots), len(a.agents)))
	b.WriteString(header + "\n\n")

	switch a.mode {
	case modeAgents:
		b.WriteString(panelStyle.Render(a.agentsView()))
	case modeDetail:
		b.WriteString(panelStyle.Render(a.viewport.View()))
	default:
		b.WriteString(panelStyle.Render(a.slotsView()))
	}
	b.WriteString("\n")

	if a.version != "" {
		b.WriteString(helpStyle.Render("version "+a.version) + "\n")
	}
	if a.filtering {
		b.WriteString(a.input.View() + "\n")
	} else if len(a.filter.Binary) > 0 {
		b.WriteString(helpStyle.Render("filter: "+strings.Join(a.filter.Binary, " ")) + "\n")
	}
	if a.message != "" {
		b.WriteString(statusBarStyle.Render(a.message) + "\n")
	}
	b.WriteString(helpStyle.Render(a.help()))
	return b.String()
}

func (a *App) help() string {
	switch a.mode {
	case modeAgents:
		return "tab slots • j/k move • r refresh • q quit"
	case modeDetail:
		return "esc back • j/k scroll • q quit"
	}
	return "s start • x stop • R restart • T terminate • / filter • enter detail • tab agents • q quit"
}

func (a *App) slotsView() string {
	if len(a.slots) == 0 {
		return helpStyle.Render("No slots")
	}
	var lines []string
	for i, s := range a.slots {
		line := fmt.Sprintf("%-10s %-12s %-32s %-20s %s",
			s.ShortID, s.State, truncate(s.Assignment.Binary, 32), truncate(s.Assignment.Config, 20), s.Host())
		if i == a.selectedIdx {
			line = selectedStyle.Render(line)
		} else {
			line = rowStyle.Render(line)
		}
		if s.StatusMessage != "" {
			line += " " + driftStyle.Render(s.StatusMessage)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (a *App) agentsView() string {
	if len(a.agents) == 0 {
		return helpStyle.Render("No agents")
	}
	var lines []string
	for i, ag := range a.agents {
		line := fmt.Sprintf("%-10s %-13s %-24s %d slots", truncate(ag.ID, 8), ag.State, ag.Host(), len(ag.Slots))
		if i == a.agentIdx {
			line = selectedStyle.Render(line)
		} else {
			line = rowStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func slotDetail(s models.SlotStatus) string {
	var b strings.Builder
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%-12s %s\n", label+":", value)
		}
	}
	field("ID", s.ID)
	field("Name", s.Name)
	field("State", string(s.State))
	field("Binary", s.Assignment.Binary)
	field("Config", s.Assignment.Config)
	field("Self", s.Self)
	field("External", s.External)
	field("Location", s.Location)
	field("Install", s.InstallPath)
	field("Expected", string(s.ExpectedState))
	if s.ExpectedAssignment != nil {
		field("Expected", s.ExpectedAssignment.String())
	}
	field("Message", s.StatusMessage)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
