// Package controlplane provides the coordinator and its HTTP API.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/flotilla/internal/configrepo"
	"github.com/fentz26/flotilla/internal/connectors"
	"github.com/fentz26/flotilla/internal/filter"
	"github.com/fentz26/flotilla/internal/inventory"
	"github.com/fentz26/flotilla/internal/lifecycle"
	"github.com/fentz26/flotilla/internal/models"
	"github.com/fentz26/flotilla/internal/provisioner"
	"github.com/fentz26/flotilla/internal/versions"
)

// StateManager is the durable expected-state store.
type StateManager interface {
	GetAllExpectedStates(ctx context.Context) ([]models.ExpectedSlotStatus, error)
	SetExpectedStates(ctx context.Context, states []models.ExpectedSlotStatus) error
	DeleteExpectedStates(ctx context.Context, slotIDs []string) error
}

// ConfigRepository resolves configuration bundles for installs and upgrades.
type ConfigRepository interface {
	Resolve(environment string, spec models.ConfigSpec) ([]models.ConfigFile, error)
	Resources(environment string, spec models.ConfigSpec) (map[string]int, error)
}

// Config tunes the coordinator.
type Config struct {
	Environment      string
	StatusExpiration time.Duration
	RemoteTimeout    time.Duration
	// Workers bounds concurrent remote calls during refresh and fan-out.
	Workers       int
	MinPrefixSize int
}

func (c Config) withDefaults() Config {
	if c.StatusExpiration <= 0 {
		c.StatusExpiration = 30 * time.Second
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.MinPrefixSize <= 0 {
		c.MinPrefixSize = 4
	}
	return c
}

// agentEntry holds one agent's status. Readers load the pointer without
// locking; the pointed-to status is never modified after it is stored.
// Writers hold mu and store a fresh copy.
type agentEntry struct {
	mu     sync.Mutex
	status atomic.Pointer[models.AgentStatus]
}

// Coordinator owns the fleet registry and executes operator commands
// against it.
type Coordinator struct {
	cfg         Config
	factory     connectors.Factory
	state       StateManager
	configRepo  ConfigRepository
	provisioner provisioner.Provisioner
	inventory   inventory.ServiceInventory
	logger      *zap.Logger
	metrics     *metrics
	now         func() time.Time

	mu     sync.RWMutex
	agents map[string]*agentEntry
}

// NewCoordinator creates a Coordinator. configRepo, prov and inv may be nil.
func NewCoordinator(
	cfg Config,
	factory connectors.Factory,
	state StateManager,
	configRepo ConfigRepository,
	prov provisioner.Provisioner,
	inv inventory.ServiceInventory,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:         cfg.withDefaults(),
		factory:     factory,
		state:       state,
		configRepo:  configRepo,
		provisioner: prov,
		inventory:   inv,
		logger:      logger,
		now:         time.Now,
		agents:      make(map[string]*agentEntry),
	}
	c.metrics = newMetrics(c)
	return c
}

// Registry returns the Prometheus registry holding the coordinator metrics.
func (c *Coordinator) Registry() *prometheus.Registry {
	return c.metrics.registry
}

// --- Registry ---

// snapshot returns the current status of every agent ordered by id. The
// returned statuses are shared and must not be modified.
func (c *Coordinator) snapshot() []*models.AgentStatus {
	c.mu.RLock()
	agents := make([]*models.AgentStatus, 0, len(c.agents))
	for _, e := range c.agents {
		if s := e.status.Load(); s != nil {
			agents = append(agents, s)
		}
	}
	c.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

func (c *Coordinator) entry(agentID string) *agentEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agents[agentID]
}

// entryFor returns the entry for agentID, creating an empty one.
func (c *Coordinator) entryFor(agentID string) *agentEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.agents[agentID]
	if !ok {
		e = &agentEntry{}
		c.agents[agentID] = e
	}
	return e
}

// update applies fn to a copy of the agent's status under the agent lock.
// fn returning false discards the copy.
func (c *Coordinator) update(agentID string, fn func(*models.AgentStatus) bool) bool {
	e := c.entry(agentID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.status.Load()
	if cur == nil {
		return false
	}
	next := cur.Clone()
	if !fn(&next) {
		return false
	}
	e.status.Store(&next)
	return true
}

// commitSlot records the outcome of a remote call on one slot.
func (c *Coordinator) commitSlot(agentID string, slot models.SlotStatus) {
	c.update(agentID, func(a *models.AgentStatus) bool {
		for i := range a.Slots {
			if a.Slots[i].ID != slot.ID {
				continue
			}
			if slot.State == models.SlotStateTerminated {
				a.Slots = append(a.Slots[:i], a.Slots[i+1:]...)
			} else {
				a.Slots[i] = slot.Clone()
			}
			return true
		}
		if slot.State == models.SlotStateTerminated {
			return false
		}
		a.Slots = append(a.Slots, slot.Clone())
		return true
	})
}

// noteFailure attaches a failed command's message and drift annotation to
// the slot as it is now. A slot the agent no longer reports stays gone.
func (c *Coordinator) noteFailure(agentID, slotID, msg string, expected *models.ExpectedSlotStatus) (models.SlotStatus, bool) {
	var noted models.SlotStatus
	ok := c.update(agentID, func(a *models.AgentStatus) bool {
		for i := range a.Slots {
			if a.Slots[i].ID != slotID {
				continue
			}
			a.Slots[i] = a.Slots[i].WithMessage(msg)
			if expected != nil {
				annotate(&a.Slots[i], expected)
			}
			noted = a.Slots[i].Clone()
			return true
		}
		return false
	})
	return noted, ok
}

// located is a slot together with the agent hosting it.
type located struct {
	agentID  string
	agentURI string
	slot     models.SlotStatus
}

// fleetSlots flattens the snapshot. Slots of agents that are not online
// are included only with includeOffline.
func fleetSlots(agents []*models.AgentStatus, includeOffline bool) ([]models.SlotStatus, map[string]located) {
	var slots []models.SlotStatus
	where := make(map[string]located)
	for _, a := range agents {
		if a.State != models.AgentStateOnline && !includeOffline {
			continue
		}
		for _, s := range a.Slots {
			slots = append(slots, s)
			where[s.ID] = located{agentID: a.ID, agentURI: a.Self, slot: s}
		}
	}
	return slots, where
}

// --- Slot operations ---

// Show returns the slots matching f ordered by id. An empty filter selects
// every slot.
func (c *Coordinator) Show(ctx context.Context, f filter.SlotFilter) ([]models.SlotStatus, error) {
	slots, _ := fleetSlots(c.snapshot(), f.IncludeOffline)
	selected, err := f.Apply(slots, false)
	if err != nil {
		return nil, filterError(err)
	}
	return cloneSlots(selected), nil
}

// UniquePrefixSize returns the id prefix length that tells every known slot apart.
func (c *Coordinator) UniquePrefixSize() int {
	slots, _ := fleetSlots(c.snapshot(), true)
	ids := make([]string, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.ID)
	}
	return filter.ShortestUniquePrefix(ids, c.cfg.MinPrefixSize)
}

// SetState applies the lifecycle command named by target to every slot
// matching f. target is a command or the state it produces.
func (c *Coordinator) SetState(ctx context.Context, f filter.SlotFilter, target, expectedVersion string) ([]models.SlotStatus, error) {
	cmd, err := lifecycle.ParseCommand(target)
	if err != nil {
		return nil, err
	}
	return c.mutate(ctx, f, expectedVersion, lifecycleOperation(cmd))
}

// Terminate removes every slot matching f.
func (c *Coordinator) Terminate(ctx context.Context, f filter.SlotFilter, expectedVersion string) ([]models.SlotStatus, error) {
	return c.mutate(ctx, f, expectedVersion, lifecycleOperation(lifecycle.Terminate))
}

// Upgrade moves every matching stopped or running slot to the new versions.
func (c *Coordinator) Upgrade(ctx context.Context, f filter.SlotFilter, v models.UpgradeVersions, expectedVersion string) ([]models.SlotStatus, error) {
	if v.BinaryVersion == "" && v.ConfigVersion == "" {
		return nil, fmt.Errorf("%w: upgrade requires a binary or config version", ErrInvalidAssignment)
	}
	return c.mutate(ctx, f, expectedVersion, c.upgradeOperation(v))
}

// ResetExpectedState makes the observed state of every matching slot its
// expected state.
func (c *Coordinator) ResetExpectedState(ctx context.Context, f filter.SlotFilter, expectedVersion string) ([]models.SlotStatus, error) {
	return c.mutate(ctx, f, expectedVersion, operation{
		name:   "reset-expected-state",
		commit: true,
		plan: func(s models.SlotStatus) (models.SlotStatus, bool) {
			s = s.Clone()
			s.ExpectedState = ""
			s.ExpectedAssignment = nil
			s.StatusMessage = ""
			return s, true
		},
		expect: func(s models.SlotStatus) (models.ExpectedSlotStatus, bool) {
			return models.ExpectedSlotStatus{SlotID: s.ID, State: s.State, Assignment: s.Assignment}, true
		},
	})
}

// operation is one kind of mutating slot command.
type operation struct {
	name string
	// plan returns the slot as it should be afterwards. ok false is a no-op.
	plan func(models.SlotStatus) (planned models.SlotStatus, ok bool)
	// call performs the remote side. Nil means planned slots are final.
	call func(ctx context.Context, agent connectors.RemoteAgent, slot, planned models.SlotStatus) (*models.SlotStatus, error)
	// commit stores planned slots in the registry when there is no call.
	commit bool
	// expect gives the expected state to record for a planned slot;
	// ok false deletes it.
	expect func(planned models.SlotStatus) (models.ExpectedSlotStatus, bool)
}

func lifecycleOperation(cmd lifecycle.Command) operation {
	return operation{
		name: string(cmd),
		plan: func(s models.SlotStatus) (models.SlotStatus, bool) {
			next, ok := lifecycle.Next(s.State, cmd)
			if !ok {
				return s, false
			}
			return s.ChangeState(next), true
		},
		call: func(ctx context.Context, agent connectors.RemoteAgent, slot, planned models.SlotStatus) (*models.SlotStatus, error) {
			switch cmd {
			case lifecycle.Start:
				return agent.Start(ctx, slot)
			case lifecycle.Stop:
				return agent.Stop(ctx, slot)
			case lifecycle.Restart:
				return agent.Restart(ctx, slot)
			default:
				return agent.Terminate(ctx, slot)
			}
		},
		expect: func(s models.SlotStatus) (models.ExpectedSlotStatus, bool) {
			if s.State == models.SlotStateTerminated {
				return models.ExpectedSlotStatus{}, false
			}
			return models.ExpectedSlotStatus{SlotID: s.ID, State: s.State, Assignment: s.Assignment}, true
		},
	}
}

func (c *Coordinator) upgradeOperation(v models.UpgradeVersions) operation {
	return operation{
		name: "upgrade",
		plan: func(s models.SlotStatus) (models.SlotStatus, bool) {
			if s.State != models.SlotStateStopped && s.State != models.SlotStateRunning {
				return s, false
			}
			upgraded, err := v.Upgrade(s.Assignment)
			if err != nil {
				return s.WithMessage(err.Error()), false
			}
			if upgraded == s.Assignment {
				return s, false
			}
			planned := s.Clone()
			planned.Assignment = upgraded
			return planned, true
		},
		call: func(ctx context.Context, agent connectors.RemoteAgent, slot, planned models.SlotStatus) (*models.SlotStatus, error) {
			inst, err := c.installation(planned.Assignment)
			if err != nil {
				return nil, err
			}
			return agent.Upgrade(ctx, slot, inst)
		},
		expect: func(s models.SlotStatus) (models.ExpectedSlotStatus, bool) {
			return models.ExpectedSlotStatus{SlotID: s.ID, State: s.State, Assignment: s.Assignment}, true
		},
	}
}

// mutate runs op against the slots selected by f: guards, expected-state
// record, then one remote call per changed slot. A failed call leaves its
// slot as it was and never affects the others.
func (c *Coordinator) mutate(ctx context.Context, f filter.SlotFilter, expectedVersion string, op operation) ([]models.SlotStatus, error) {
	if f.IsEmpty() {
		return nil, fmt.Errorf("%w: %s requires at least one selection criterion", ErrInvalidFilter, op.name)
	}

	slots, where := fleetSlots(c.snapshot(), f.IncludeOffline)
	selected, err := f.Apply(slots, true)
	if err != nil {
		return nil, filterError(err)
	}

	if current, ok := versions.Check(expectedVersion, selected); !ok {
		c.metrics.conflicts.Inc()
		return nil, &VersionConflictError{Name: versions.SlotsVersionHeader, Version: current}
	}

	results := make([]models.SlotStatus, len(selected))
	planned := make([]models.SlotStatus, len(selected))
	changed := make([]bool, len(selected))
	var expected []models.ExpectedSlotStatus
	var forgotten []string
	for i, s := range selected {
		planned[i], changed[i] = op.plan(s)
		results[i] = planned[i]
		if !changed[i] {
			continue
		}
		if e, ok := op.expect(planned[i]); ok {
			expected = append(expected, e)
		} else {
			forgotten = append(forgotten, s.ID)
		}
	}

	if err := c.recordExpected(ctx, expected, forgotten); err != nil {
		return nil, err
	}

	if op.call == nil {
		for i, s := range selected {
			if changed[i] && op.commit {
				c.commitSlot(where[s.ID].agentID, planned[i])
			}
		}
		return cloneSlots(results), nil
	}

	// Slots of one agent run in order; agents run in parallel.
	byAgent := make(map[string][]int)
	var agentOrder []string
	for i, s := range selected {
		if !changed[i] || !needsCall(s, planned[i], op) {
			continue
		}
		id := where[s.ID].agentID
		if _, ok := byAgent[id]; !ok {
			agentOrder = append(agentOrder, id)
		}
		byAgent[id] = append(byAgent[id], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, agentID := range agentOrder {
		agentID := agentID
		indexes := byAgent[agentID]
		loc := where[selected[indexes[0]].ID]
		g.Go(func() error {
			agent := c.factory.ForAgent(loc.agentURI)
			for _, i := range indexes {
				results[i] = c.invoke(gctx, agent, agentID, op, selected[i], planned[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// needsCall reports whether a planned change has a remote side. Idempotent
// lifecycle transitions do not.
func needsCall(slot, planned models.SlotStatus, op operation) bool {
	if op.name == string(lifecycle.Restart) {
		return true
	}
	return slot.State != planned.State || slot.Assignment != planned.Assignment
}

// invoke performs one remote call under the remote timeout and commits the
// outcome.
func (c *Coordinator) invoke(ctx context.Context, agent connectors.RemoteAgent, agentID string, op operation, slot, planned models.SlotStatus) models.SlotStatus {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	defer cancel()

	got, err := op.call(ctx, agent, slot, planned)
	if err == nil && got == nil {
		err = fmt.Errorf("%w: empty response", connectors.ErrAgentCommunication)
	}
	c.metrics.command(op.name, err)
	if err != nil {
		c.logger.Warn("slot command failed",
			zap.String("op", op.name),
			zap.String("agent_id", agentID),
			zap.String("slot_id", slot.ID),
			zap.Error(err))
		var expected *models.ExpectedSlotStatus
		if planned.State != models.SlotStateTerminated {
			expected = &models.ExpectedSlotStatus{SlotID: slot.ID, State: planned.State, Assignment: planned.Assignment}
		}
		if noted, ok := c.noteFailure(agentID, slot.ID, err.Error(), expected); ok {
			return noted
		}
		failed := slot.WithMessage(err.Error())
		if expected != nil {
			annotate(&failed, expected)
		}
		return failed
	}

	result := got.Clone()
	c.commitSlot(agentID, result)
	c.logger.Info("slot command applied",
		zap.String("op", op.name),
		zap.String("agent_id", agentID),
		zap.String("slot_id", slot.ID),
		zap.String("state", string(result.State)))
	return result
}

func (c *Coordinator) recordExpected(ctx context.Context, set []models.ExpectedSlotStatus, remove []string) error {
	if c.state == nil {
		return nil
	}
	if len(set) > 0 {
		if err := c.state.SetExpectedStates(ctx, set); err != nil {
			return fmt.Errorf("%w: %v", ErrDurableStoreUnavailable, err)
		}
	}
	if len(remove) > 0 {
		if err := c.state.DeleteExpectedStates(ctx, remove); err != nil {
			return fmt.Errorf("%w: %v", ErrDurableStoreUnavailable, err)
		}
	}
	return nil
}

func (c *Coordinator) pingStore(ctx context.Context) error {
	p, ok := c.state.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDurableStoreUnavailable, err)
	}
	return nil
}

// installation assembles everything an agent needs to run assignment.
func (c *Coordinator) installation(assignment models.Assignment) (models.Installation, error) {
	inst := models.Installation{Assignment: assignment}
	if c.configRepo == nil {
		return inst, nil
	}
	spec, err := models.ParseConfigSpec(assignment.Config)
	if err != nil {
		return inst, fmt.Errorf("%w: %v", ErrInvalidAssignment, err)
	}
	files, err := c.configRepo.Resolve(c.cfg.Environment, spec)
	if errors.Is(err, configrepo.ErrNotFound) {
		return inst, fmt.Errorf("%w: %s", ErrConfigNotFound, assignment.Config)
	}
	if err != nil {
		return inst, err
	}
	resources, err := c.configRepo.Resources(c.cfg.Environment, spec)
	if err != nil {
		return inst, err
	}
	inst.ConfigFiles = files
	inst.Resources = resources
	return inst, nil
}

// Install places assignment on up to count online agents matching f that
// have room for it, one slot per agent, in agent id order. Agents that fail
// are logged and left out of the result.
func (c *Coordinator) Install(ctx context.Context, f filter.AgentFilter, count int, assignment models.Assignment) ([]models.SlotStatus, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", ErrInvalidAssignment)
	}
	if err := assignment.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssignment, err)
	}
	if f.IsEmpty() {
		return nil, fmt.Errorf("%w: install requires agent selection criteria", ErrInvalidFilter)
	}
	pred, err := f.Compile()
	if err != nil {
		return nil, filterError(err)
	}
	inst, err := c.installation(assignment)
	if err != nil {
		return nil, err
	}
	// Installed slots need an expected state; refuse before creating any.
	if err := c.pingStore(ctx); err != nil {
		return nil, err
	}

	var targets []*models.AgentStatus
	for _, a := range c.snapshot() {
		if len(targets) == count {
			break
		}
		if a.State == models.AgentStateOnline && pred(*a) && a.CanFit(inst.Resources) {
			targets = append(targets, a)
		}
	}

	var mu sync.Mutex
	var installed []models.SlotStatus
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, a := range targets {
		agentID, agentURI := a.ID, a.Self
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, c.cfg.RemoteTimeout)
			defer cancel()

			slot, err := c.factory.ForAgent(agentURI).Install(callCtx, inst)
			if err == nil && slot == nil {
				err = fmt.Errorf("%w: empty response", connectors.ErrAgentCommunication)
			}
			c.metrics.command("install", err)
			if err != nil {
				c.logger.Warn("install failed",
					zap.String("agent_id", agentID),
					zap.String("assignment", assignment.String()),
					zap.Error(err))
				return nil
			}
			c.commitSlot(agentID, *slot)
			c.logger.Info("slot installed",
				zap.String("agent_id", agentID),
				zap.String("slot_id", slot.ID))

			mu.Lock()
			installed = append(installed, slot.Clone())
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(installed, func(i, j int) bool { return installed[i].ID < installed[j].ID })

	expected := make([]models.ExpectedSlotStatus, 0, len(installed))
	for _, s := range installed {
		expected = append(expected, models.ExpectedSlotStatus{SlotID: s.ID, State: s.State, Assignment: s.Assignment})
	}
	if err := c.recordExpected(ctx, expected, nil); err != nil {
		c.logger.Error("installed slots have no expected state", zap.Int("slots", len(installed)), zap.Error(err))
		return installed, err
	}
	return installed, nil
}

// ServiceInventory returns the services provided by running slots of online agents.
func (c *Coordinator) ServiceInventory(ctx context.Context) []models.ServiceDescriptor {
	slots, _ := fleetSlots(c.snapshot(), false)
	return inventory.Collect(c.inventory, slots)
}

// --- Agent operations ---

// ShowAgents returns the agents matching f ordered by id.
func (c *Coordinator) ShowAgents(ctx context.Context, f filter.AgentFilter) ([]models.AgentStatus, error) {
	pred, err := f.Compile()
	if err != nil {
		return nil, filterError(err)
	}
	agents := []models.AgentStatus{}
	for _, a := range c.snapshot() {
		if pred(*a) {
			agents = append(agents, a.Clone())
		}
	}
	return agents, nil
}

// GetAgent returns one agent.
func (c *Coordinator) GetAgent(ctx context.Context, agentID string) (*models.AgentStatus, error) {
	e := c.entry(agentID)
	if e == nil || e.status.Load() == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a := e.status.Load().Clone()
	return &a, nil
}

// ProvisionAgents asks the provisioner for count new agents and registers
// them as provisioning until they report.
func (c *Coordinator) ProvisionAgents(ctx context.Context, count int, instanceType, zone string) ([]models.AgentStatus, error) {
	if c.provisioner == nil {
		return nil, ErrNoProvisioner
	}
	agents, err := c.provisioner.ProvisionAgents(ctx, count, instanceType, zone)
	if err != nil {
		return nil, fmt.Errorf("provision agents: %w", err)
	}
	for _, a := range agents {
		c.register(a)
		c.logger.Info("agent provisioned", zap.String("agent_id", a.ID), zap.String("instance_type", a.InstanceType))
	}
	return agents, nil
}

// register adds an agent the registry does not know yet.
func (c *Coordinator) register(a models.AgentStatus) bool {
	e := c.entryFor(a.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Load() != nil {
		return false
	}
	status := a.Clone()
	if status.State == "" {
		status.State = models.AgentStateProvisioning
	}
	e.status.Store(&status)
	return true
}

// TerminateAgent destroys an agent without slots and forgets it.
func (c *Coordinator) TerminateAgent(ctx context.Context, agentID string) (*models.AgentStatus, error) {
	e := c.entry(agentID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	e.mu.Lock()
	cur := e.status.Load()
	if cur == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if len(cur.Slots) > 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d", ErrAgentHasSlots, agentID, len(cur.Slots))
	}
	e.mu.Unlock()

	if c.provisioner != nil {
		if err := c.provisioner.TerminateAgent(ctx, agentID); err != nil && !errors.Is(err, provisioner.ErrUnknownInstance) {
			return nil, fmt.Errorf("terminate agent: %w", err)
		}
	}

	e.mu.Lock()
	c.mu.Lock()
	if c.agents[agentID] == e {
		delete(c.agents, agentID)
	}
	c.mu.Unlock()
	e.mu.Unlock()

	terminated := cur.Clone()
	terminated.State = models.AgentStateOffline
	c.logger.Info("agent terminated", zap.String("agent_id", agentID))
	return &terminated, nil
}

// --- Status ingestion ---

// SetAgentStatus replaces the agent's status with a fresh report and
// annotates slots whose observed state drifted from the expected state.
func (c *Coordinator) SetAgentStatus(ctx context.Context, status models.AgentStatus) error {
	expected, err := c.expectedByID(ctx)
	if err != nil {
		return err
	}
	c.ingest(status, expected)
	return nil
}

func (c *Coordinator) expectedByID(ctx context.Context) (map[string]models.ExpectedSlotStatus, error) {
	byID := make(map[string]models.ExpectedSlotStatus)
	if c.state == nil {
		return byID, nil
	}
	all, err := c.state.GetAllExpectedStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDurableStoreUnavailable, err)
	}
	for _, e := range all {
		byID[e.SlotID] = e
	}
	return byID, nil
}

func (c *Coordinator) ingest(report models.AgentStatus, expected map[string]models.ExpectedSlotStatus) {
	status := report.Clone()
	status.LastUpdate = c.now()
	if status.State == "" || status.State == models.AgentStateProvisioning {
		status.State = models.AgentStateOnline
	}

	slots := make([]models.SlotStatus, 0, len(status.Slots))
	for _, s := range status.Slots {
		if s.State == models.SlotStateTerminated {
			continue
		}
		s.ExpectedState = ""
		s.ExpectedAssignment = nil
		if e, ok := expected[s.ID]; ok {
			annotate(&s, &e)
		}
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
	status.Slots = slots

	e := c.entryFor(status.ID)
	e.mu.Lock()
	e.status.Store(&status)
	e.mu.Unlock()
}

// annotate marks how slot differs from expected. Drift is reported, never
// corrected.
func annotate(slot *models.SlotStatus, expected *models.ExpectedSlotStatus) {
	if expected.State != "" && expected.State != slot.State {
		slot.ExpectedState = expected.State
	}
	if expected.Assignment != slot.Assignment && !expected.Assignment.IsZero() {
		a := expected.Assignment
		slot.ExpectedAssignment = &a
	}
	if slot.StatusMessage != "" {
		return
	}
	switch {
	case slot.ExpectedState != "" && slot.ExpectedAssignment != nil:
		slot.StatusMessage = fmt.Sprintf("expected %s running %s", slot.ExpectedState, slot.ExpectedAssignment)
	case slot.ExpectedState != "":
		slot.StatusMessage = fmt.Sprintf("expected state is %s", slot.ExpectedState)
	case slot.ExpectedAssignment != nil:
		slot.StatusMessage = fmt.Sprintf("expected assignment is %s", slot.ExpectedAssignment)
	}
}

// RefreshAgents polls every known agent for its status, with at most
// Workers requests in flight. Unreachable agents are left to expire.
func (c *Coordinator) RefreshAgents(ctx context.Context) error {
	timer := prometheus.NewTimer(c.metrics.refresh)
	defer timer.ObserveDuration()

	if c.provisioner != nil {
		known, err := c.provisioner.Agents(ctx)
		if err != nil {
			c.logger.Warn("list provisioned agents", zap.Error(err))
		}
		for _, a := range known {
			if c.register(a) {
				c.logger.Info("agent discovered", zap.String("agent_id", a.ID), zap.String("uri", a.Self))
			}
		}
	}

	expected, err := c.expectedByID(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, a := range c.snapshot() {
		if a.Self == "" {
			continue
		}
		agentID, agentURI := a.ID, a.Self
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, c.cfg.RemoteTimeout)
			defer cancel()

			report, err := c.factory.ForAgent(agentURI).Status(callCtx)
			if err != nil {
				c.logger.Debug("agent status unavailable", zap.String("agent_id", agentID), zap.Error(err))
				return nil
			}
			if report.ID == "" {
				report.ID = agentID
			}
			if report.Self == "" {
				report.Self = agentURI
			}
			c.ingest(*report, expected)
			return nil
		})
	}
	return g.Wait()
}

// ExpireAgents marks online agents whose last report is older than the
// status expiration as offline. The agents and their slots are kept.
func (c *Coordinator) ExpireAgents(now time.Time) int {
	expired := 0
	for _, a := range c.snapshot() {
		if a.State != models.AgentStateOnline || now.Sub(a.LastUpdate) <= c.cfg.StatusExpiration {
			continue
		}
		ok := c.update(a.ID, func(s *models.AgentStatus) bool {
			if s.State != models.AgentStateOnline || now.Sub(s.LastUpdate) <= c.cfg.StatusExpiration {
				return false
			}
			s.State = models.AgentStateOffline
			return true
		})
		if !ok {
			continue
		}
		expired++
		c.metrics.expired.Inc()
		c.logger.Warn("agent expired", zap.String("agent_id", a.ID), zap.Time("last_update", a.LastUpdate))
	}
	return expired
}

func filterError(err error) error {
	if errors.Is(err, filter.ErrAmbiguousSelector) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
}

func cloneSlots(slots []models.SlotStatus) []models.SlotStatus {
	out := make([]models.SlotStatus, len(slots))
	for i, s := range slots {
		out[i] = s.Clone()
	}
	return out
}
