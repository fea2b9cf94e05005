// Package lifecycle implements the slot lifecycle state machine.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/flotilla/internal/models"
)

// ErrUnknownCommand is returned for lifecycle commands the machine does not know.
var ErrUnknownCommand = errors.New("unknown lifecycle command")

// Command is an operator request against a slot.
type Command string

const (
	Start     Command = "start"
	Stop      Command = "stop"
	Restart   Command = "restart"
	Terminate Command = "terminate"
)

// ParseCommand accepts a command name or the target state it produces
// ("running", "stopped", "restarting", "terminated").
func ParseCommand(s string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start", string(models.SlotStateRunning):
		return Start, nil
	case "stop", string(models.SlotStateStopped):
		return Stop, nil
	case "restart", string(models.SlotStateRestarting):
		return Restart, nil
	case "terminate", string(models.SlotStateTerminated):
		return Terminate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// Next returns the state a slot in current reaches after cmd. ok is false
// when the transition is undefined; callers treat that as a no-op.
// Restarting is transient and collapses to running.
func Next(current models.SlotState, cmd Command) (next models.SlotState, ok bool) {
	if cmd == Terminate {
		return models.SlotStateTerminated, true
	}
	if current != models.SlotStateStopped && current != models.SlotStateRunning {
		return current, false
	}
	switch cmd {
	case Start, Restart:
		return models.SlotStateRunning, true
	case Stop:
		return models.SlotStateStopped, true
	}
	return current, false
}
