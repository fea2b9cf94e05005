// Package connectors defines the transport to remote agents.
package connectors

import (
	"context"
	"errors"

	"github.com/fentz26/flotilla/internal/models"
)

// ErrAgentCommunication wraps every failure to reach or get a usable answer
// from an agent. It never implies the slot changed state.
var ErrAgentCommunication = errors.New("agent communication failure")

// RemoteAgent is the capability interface to one physical agent.
// Implementations do not retry.
type RemoteAgent interface {
	// Status fetches the agent's full status report.
	Status(ctx context.Context) (*models.AgentStatus, error)

	// Install creates a new slot running the installation.
	Install(ctx context.Context, inst models.Installation) (*models.SlotStatus, error)

	// Upgrade replaces the slot's assignment.
	Upgrade(ctx context.Context, slot models.SlotStatus, inst models.Installation) (*models.SlotStatus, error)

	Start(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error)
	Stop(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error)
	Restart(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error)

	// Terminate removes the slot. The returned status is terminated.
	Terminate(ctx context.Context, slot models.SlotStatus) (*models.SlotStatus, error)
}

// Factory produces the RemoteAgent for an agent URI.
type Factory interface {
	ForAgent(agentURI string) RemoteAgent
}
