package tui

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fentz26/flotilla/internal/connectors/mockagent"
	"github.com/fentz26/flotilla/internal/controlplane"
	"github.com/fentz26/flotilla/internal/filter"
	"github.com/fentz26/flotilla/internal/models"
	"github.com/fentz26/flotilla/internal/store"
)

func newTestCoordinator(t *testing.T) *httptest.Server {
	t.Helper()
	factory := mockagent.NewFactory()
	c := controlplane.NewCoordinator(controlplane.Config{}, factory, store.NewMemory(), nil, nil, nil, zaptest.NewLogger(t))

	status := models.AgentStatus{
		ID:    "agent-1",
		Self:  "fake://agent-1/",
		State: models.AgentStateOnline,
		Slots: []models.SlotStatus{
			{ID: "apple1", Self: "http://host1/v1/agent/slot/apple1", State: models.SlotStateStopped,
				Assignment: models.Assignment{Binary: "food.fruit:apple:1.0", Config: "@apple:1.0"}},
			{ID: "banana", Self: "http://host1/v1/agent/slot/banana", State: models.SlotStateRunning,
				Assignment: models.Assignment{Binary: "food.fruit:banana:1.0", Config: "@banana:1.0"}},
		},
	}
	factory.Agent(status.Self).SetStatus(status)
	require.NoError(t, c.SetAgentStatus(context.Background(), status))

	srv := httptest.NewServer(controlplane.NewServer(c, nil, "", zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestClient(t *testing.T) {
	srv := newTestCoordinator(t)
	client := NewClient(srv.URL)

	assert.True(t, client.Healthy())

	slots, version, err := client.Slots(filter.SlotFilter{Binary: []string{"*:apple:*"}})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.NotEmpty(t, version)

	results, err := client.SetState("apple1", "start", version)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.SlotStateRunning, results[0].State)

	_, err = client.SetState("apple1", "stop", version)
	assert.ErrorContains(t, err, "fleet changed")

	agents, err := client.Agents()
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestAppNavigationAndCommands(t *testing.T) {
	srv := newTestCoordinator(t)
	app := New(srv.URL)

	msg := app.fetchSlots()()
	app.Update(msg)
	require.Len(t, app.slots, 2)
	assert.Contains(t, app.View(), "apple1")

	app.Update(key("j"))
	assert.Equal(t, 1, app.selectedIdx)
	app.Update(key("j"))
	assert.Equal(t, 1, app.selectedIdx, "selection stops at the last slot")

	app.Update(key("enter"))
	assert.Equal(t, modeDetail, app.mode)
	assert.Contains(t, app.View(), "food.fruit:banana:1.0")
	app.Update(key("esc"))
	assert.Equal(t, modeSlots, app.mode)

	_, cmd := app.Update(key("x"))
	require.NotNil(t, cmd)
	result := cmd()
	require.IsType(t, commandResultMsg{}, result)
	assert.Contains(t, result.(commandResultMsg).message, "stopped")

	app.Update(key("tab"))
	assert.Equal(t, modeAgents, app.mode)
	_, cmd = app.Update(key("s"))
	assert.Nil(t, cmd, "commands only apply to slots")
}

func TestAppFilter(t *testing.T) {
	srv := newTestCoordinator(t)
	app := New(srv.URL)

	app.Update(key("/"))
	require.True(t, app.filtering)
	for _, r := range "*:apple:*" {
		app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	_, cmd := app.Update(key("enter"))
	assert.False(t, app.filtering)
	assert.Equal(t, []string{"*:apple:*"}, app.filter.Binary)

	app.Update(cmd())
	require.Len(t, app.slots, 1)
	assert.Equal(t, "apple1", app.slots[0].ID)
	assert.True(t, strings.Contains(app.View(), "filter: *:apple:*"))
}
