// Package provisioner creates and destroys agent instances.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/flotilla/internal/models"
)

// ErrUnknownInstance is returned when terminating an instance the
// provisioner never created.
var ErrUnknownInstance = errors.New("unknown instance")

// Provisioner manages the machines agents run on.
type Provisioner interface {
	// Agents lists every instance the provisioner knows about.
	Agents(ctx context.Context) ([]models.AgentStatus, error)
	ProvisionAgents(ctx context.Context, count int, instanceType, zone string) ([]models.AgentStatus, error)
	TerminateAgent(ctx context.Context, agentID string) error
}

// Local is an in-process Provisioner. It hands out agent records with
// stable ids under a base URI and never starts real machines, so agents
// stay PROVISIONING until they report status.
type Local struct {
	mu                  sync.Mutex
	baseURI             string
	defaultInstanceType string
	agents              map[string]models.AgentStatus
}

// NewLocal creates a Local provisioner. Provisioned agents get self URIs
// of the form <baseURI>/<id>.
func NewLocal(baseURI, defaultInstanceType string) *Local {
	return &Local{
		baseURI:             strings.TrimRight(baseURI, "/"),
		defaultInstanceType: defaultInstanceType,
		agents:              make(map[string]models.AgentStatus),
	}
}

// Register adds an already-running agent reachable at uri.
func (l *Local) Register(uri string) models.AgentStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri)).String()
	agent := models.AgentStatus{
		ID:           id,
		State:        models.AgentStateProvisioning,
		Self:         uri,
		InstanceType: l.defaultInstanceType,
	}
	l.agents[id] = agent
	return agent.Clone()
}

func (l *Local) Agents(ctx context.Context) ([]models.AgentStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	agents := make([]models.AgentStatus, 0, len(l.agents))
	for _, a := range l.agents {
		agents = append(agents, a.Clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (l *Local) ProvisionAgents(ctx context.Context, count int, instanceType, zone string) ([]models.AgentStatus, error) {
	if count <= 0 {
		return nil, fmt.Errorf("agent count must be positive, got %d", count)
	}
	if instanceType == "" {
		instanceType = l.defaultInstanceType
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	provisioned := make([]models.AgentStatus, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New().String()
		agent := models.AgentStatus{
			ID:           id,
			State:        models.AgentStateProvisioning,
			Self:         l.baseURI + "/" + id,
			Location:     zone,
			InstanceType: instanceType,
			LastUpdate:   now,
		}
		l.agents[id] = agent
		provisioned = append(provisioned, agent.Clone())
	}
	return provisioned, nil
}

func (l *Local) TerminateAgent(ctx context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, agentID)
	}
	delete(l.agents, agentID)
	return nil
}
