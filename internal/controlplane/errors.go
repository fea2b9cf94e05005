package controlplane

import (
	"errors"
	"fmt"

	"github.com/fentz26/flotilla/internal/lifecycle"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidFilter           = errors.New("invalid filter")
	ErrUnknownLifecycleCommand = lifecycle.ErrUnknownCommand
	ErrDurableStoreUnavailable = errors.New("expected-state store unavailable")
	ErrInvalidAssignment       = errors.New("invalid assignment")
	ErrConfigNotFound          = errors.New("configuration not found")
	ErrAgentNotFound           = errors.New("agent not found")
	ErrAgentHasSlots           = errors.New("agent still has slots")
	ErrNoProvisioner           = errors.New("no provisioner configured")
)

// VersionConflictError is returned when the caller's expected fleet version
// is stale. Version is the current token.
type VersionConflictError struct {
	Name    string
	Version string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current %s is %s", e.Name, e.Version)
}
