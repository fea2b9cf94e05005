package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/flotilla/internal/models"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"running", Start},
		{"start", Start},
		{"STOPPED", Stop},
		{"stop", Stop},
		{"restarting", Restart},
		{"restart", Restart},
		{"terminated", Terminate},
		{"terminate", Terminate},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseCommand("unknown")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = ParseCommand("")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestNext(t *testing.T) {
	tests := []struct {
		current models.SlotState
		cmd     Command
		want    models.SlotState
		ok      bool
	}{
		{models.SlotStateStopped, Start, models.SlotStateRunning, true},
		{models.SlotStateRunning, Start, models.SlotStateRunning, true},
		{models.SlotStateRunning, Stop, models.SlotStateStopped, true},
		{models.SlotStateStopped, Stop, models.SlotStateStopped, true},
		{models.SlotStateStopped, Restart, models.SlotStateRunning, true},
		{models.SlotStateRunning, Restart, models.SlotStateRunning, true},
		{models.SlotStateStopped, Terminate, models.SlotStateTerminated, true},
		{models.SlotStateRunning, Terminate, models.SlotStateTerminated, true},
		{models.SlotStateUnknown, Terminate, models.SlotStateTerminated, true},
		{models.SlotStateUnknown, Start, models.SlotStateUnknown, false},
		{models.SlotStateRestarting, Stop, models.SlotStateRestarting, false},
		{models.SlotStateTerminated, Start, models.SlotStateTerminated, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"."+string(tt.cmd), func(t *testing.T) {
			got, ok := Next(tt.current, tt.cmd)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIdempotentCommands(t *testing.T) {
	states := []models.SlotState{
		models.SlotStateUnknown,
		models.SlotStateStopped,
		models.SlotStateRunning,
		models.SlotStateRestarting,
	}
	for _, cmd := range []Command{Start, Stop} {
		for _, state := range states {
			once, _ := Next(state, cmd)
			twice, _ := Next(once, cmd)
			assert.Equal(t, once, twice, "%s applied twice from %s", cmd, state)
		}
	}
}
