package httpagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/flotilla/internal/connectors"
	"github.com/fentz26/flotilla/internal/models"
)

// fakeAgent serves the agent API for a single in-memory slot table.
type fakeAgent struct {
	mu    sync.Mutex
	slots map[string]models.SlotStatus
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{slots: map[string]models.SlotStatus{
		"apple1": {ID: "apple1", Name: "apple1", State: models.SlotStateStopped},
	}}
}

func (f *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/agent")
	switch {
	case path == "" && r.Method == http.MethodGet:
		status := models.AgentStatus{ID: "agent-1", State: models.AgentStateOnline}
		for _, s := range f.slots {
			status.Slots = append(status.Slots, s)
		}
		json.NewEncoder(w).Encode(status)
	case path == "/slot" && r.Method == http.MethodPost:
		var inst models.Installation
		if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		slot := models.SlotStatus{ID: "new-slot", State: models.SlotStateStopped, Assignment: inst.Assignment}
		f.slots[slot.ID] = slot
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(slot)
	case strings.HasPrefix(path, "/slot/"):
		parts := strings.Split(strings.TrimPrefix(path, "/slot/"), "/")
		slot, ok := f.slots[parts[0]]
		if !ok {
			http.Error(w, "slot not found", http.StatusNotFound)
			return
		}
		switch {
		case len(parts) == 1 && r.Method == http.MethodDelete:
			delete(f.slots, slot.ID)
			slot.State = models.SlotStateTerminated
		case len(parts) == 2 && parts[1] == "lifecycle":
			var state string
			json.NewDecoder(r.Body).Decode(&state)
			if state == string(models.SlotStateRestarting) {
				state = string(models.SlotStateRunning)
			}
			slot.State = models.SlotState(state)
		case len(parts) == 2 && parts[1] == "assignment":
			var inst models.Installation
			json.NewDecoder(r.Body).Decode(&inst)
			slot.Assignment = inst.Assignment
		default:
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		f.slots[slot.ID] = slot
		json.NewEncoder(w).Encode(slot)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func TestLifecycle(t *testing.T) {
	srv := httptest.NewServer(newFakeAgent())
	defer srv.Close()

	agent := NewFactory(time.Second).ForAgent(srv.URL + "/")
	ctx := context.Background()
	slot := models.SlotStatus{ID: "apple1"}

	got, err := agent.Start(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStateRunning, got.State)

	got, err = agent.Stop(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStateStopped, got.State)

	got, err = agent.Restart(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStateRunning, got.State)

	status, err := agent.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", status.ID)
	require.Len(t, status.Slots, 1)

	got, err = agent.Terminate(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, models.SlotStateTerminated, got.State)
}

func TestInstallAndUpgrade(t *testing.T) {
	srv := httptest.NewServer(newFakeAgent())
	defer srv.Close()

	agent := New(srv.URL, nil)
	ctx := context.Background()

	apple := models.Assignment{Binary: "food.fruit:apple:1.0", Config: "@apple:1.0"}
	slot, err := agent.Install(ctx, models.Installation{Assignment: apple})
	require.NoError(t, err)
	assert.Equal(t, "new-slot", slot.ID)
	assert.Equal(t, apple, slot.Assignment)

	upgraded := models.Assignment{Binary: "food.fruit:apple:2.0", Config: "@apple:2.0"}
	slot, err = agent.Upgrade(ctx, *slot, models.Installation{Assignment: upgraded})
	require.NoError(t, err)
	assert.Equal(t, upgraded, slot.Assignment)
}

func TestErrorsAreCommunicationFailures(t *testing.T) {
	srv := httptest.NewServer(newFakeAgent())
	defer srv.Close()

	agent := New(srv.URL, nil)
	_, err := agent.Start(context.Background(), models.SlotStatus{ID: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, connectors.ErrAgentCommunication)
	assert.Contains(t, err.Error(), "404")

	srv.Close()
	_, err = agent.Status(context.Background())
	assert.ErrorIs(t, err, connectors.ErrAgentCommunication)
}

func TestTimeoutCancelsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	agent := New(srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := agent.Stop(ctx, models.SlotStatus{ID: "apple1"})
	assert.ErrorIs(t, err, connectors.ErrAgentCommunication)
}
