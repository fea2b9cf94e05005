// Package mockagent provides a deterministic in-memory RemoteAgent for tests
// and local development.
package mockagent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fentz26/flotilla/internal/connectors"
	"github.com/fentz26/flotilla/internal/lifecycle"
	"github.com/fentz26/flotilla/internal/models"
)

// Call records one operation received by an Agent.
type Call struct {
	Op     string
	SlotID string
}

// Factory hands out one Agent per URI.
type Factory struct {
	mu     sync.Mutex
	agents map[string]*Agent
}

// NewFactory creates an empty Factory.
func NewFactory() *Factory {
	return &Factory{agents: make(map[string]*Agent)}
}

// ForAgent returns the Agent for agentURI, creating it on first use.
func (f *Factory) ForAgent(agentURI string) connectors.RemoteAgent {
	return f.Agent(agentURI)
}

// Agent returns the concrete Agent for agentURI so tests can program it.
func (f *Factory) Agent(agentURI string) *Agent {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.agents[agentURI]
	if !ok {
		a = &Agent{
			uri:      agentURI,
			failures: make(map[string]error),
		}
		f.agents[agentURI] = a
	}
	return a
}

// Agent applies lifecycle commands to the slot it is handed and reports
// the result. Failures are injected per slot, for installs, or for
// everything.
type Agent struct {
	mu       sync.Mutex
	uri      string
	status   *models.AgentStatus
	failures map[string]error
	failAll  error
	calls    []Call
	counter  int
}

const installKey = "\x00install"

// SetStatus sets the report returned by Status.
func (a *Agent) SetStatus(status models.AgentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := status.Clone()
	a.status = &c
}

// FailSlot makes every operation on slotID fail. A nil err uses a generic
// communication error.
func (a *Agent) FailSlot(slotID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[slotID] = failure(err, "slot "+slotID)
}

// FailInstall makes Install fail.
func (a *Agent) FailInstall(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[installKey] = failure(err, "install")
}

// FailAll makes every operation, including Status, fail.
func (a *Agent) FailAll(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAll = failure(err, "agent "+a.uri)
}

// Heal clears all injected failures.
func (a *Agent) Heal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = make(map[string]error)
	a.failAll = nil
}

// Calls returns the operations received so far.
func (a *Agent) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

func (a *Agent) Status(ctx context.Context) (*models.AgentStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, Call{Op: "status"})
	if err := a.check(ctx, ""); err != nil {
		return nil, err
	}
	if a.status == nil {
		return nil, fmt.Errorf("%w: agent %s has no status", connectors.ErrAgentCommunication, a.uri)
	}
	status := a.status.Clone()
	if status.Self == "" {
		status.Self = a.uri
	}
	return &status, nil
}

func (a *Agent) Install(ctx context.Context, inst models.Installation) (*models.SlotStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, Call{Op: "install"})
	if err := a.check(ctx, installKey); err != nil {
		return nil, err
	}

	a.counter++
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(a.uri+"#"+strconv.Itoa(a.counter))).String()
	name := inst.Assignment.Binary
	if b, err := models.ParseBinarySpec(inst.Assignment.Binary); err == nil {
		name = b.ArtifactID
	}
	slot := models.SlotStatus{
		ID:          id,
		Name:        name,
		Self:        strings.TrimRight(a.uri, "/") + "/v1/agent/slot/" + id,
		State:       models.SlotStateStopped,
		Assignment:  inst.Assignment,
		InstallPath: "/slots/" + id,
		Resources:   inst.Resources,
	}
	a.store(slot)
	result := slot.Clone()
	return &result, nil
}

func (a *Agent) Upgrade(ctx context.Context, slot models.SlotStatus, inst models.Installation) (*models.SlotStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, Call{Op: "upgrade", SlotID: slot.ID})
	if err := a.check(ctx, slot.ID); err != nil {
		return nil, err
	}
	result := slot.Clone()
	result.Assignment = inst.Assignment
	result.StatusMessage = ""
	a.store(result)
	return &result, nil
}

func (a *Agent) Start(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error) {
	return a.apply(ctx, "start", slot, lifecycle.Start)
}

func (a *Agent) Stop(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error) {
	return a.apply(ctx, "stop", slot, lifecycle.Stop)
}

func (a *Agent) Restart(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error) {
	return a.apply(ctx, "restart", slot, lifecycle.Restart)
}

func (a *Agent) Terminate(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error) {
	return a.apply(ctx, "terminate", slot, lifecycle.Terminate)
}

func (a *Agent) apply(ctx context.Context, op string, slot models.SlotStatus, cmd lifecycle.Command) (*models.SlotStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, Call{Op: op, SlotID: slot.ID})
	if err := a.check(ctx, slot.ID); err != nil {
		return nil, err
	}

	next, ok := lifecycle.Next(slot.State, cmd)
	if !ok {
		return nil, fmt.Errorf("slot %s cannot %s from %s", slot.ID, cmd, slot.State)
	}
	result := slot.ChangeState(next)
	result.StatusMessage = ""
	if next == models.SlotStateTerminated {
		a.remove(slot.ID)
	} else {
		a.store(result)
	}
	return &result, nil
}

func (a *Agent) check(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", connectors.ErrAgentCommunication, err)
	}
	if a.failAll != nil {
		return a.failAll
	}
	if err, ok := a.failures[key]; ok && key != "" {
		return err
	}
	return nil
}

// store keeps the reported status in step with successful commands.
func (a *Agent) store(slot models.SlotStatus) {
	if a.status == nil {
		return
	}
	for i := range a.status.Slots {
		if a.status.Slots[i].ID == slot.ID {
			a.status.Slots[i] = slot.Clone()
			return
		}
	}
	a.status.Slots = append(a.status.Slots, slot.Clone())
}

func (a *Agent) remove(slotID string) {
	if a.status == nil {
		return
	}
	slots := a.status.Slots[:0]
	for _, s := range a.status.Slots {
		if s.ID != slotID {
			slots = append(slots, s)
		}
	}
	a.status.Slots = slots
}

func failure(err error, what string) error {
	if err == nil {
		return fmt.Errorf("%w: %s unreachable", connectors.ErrAgentCommunication, what)
	}
	return err
}
