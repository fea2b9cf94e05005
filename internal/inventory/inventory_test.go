package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/flotilla/internal/models"
)

func TestServicesOnlyForRunningSlots(t *testing.T) {
	inv := NewStatic(map[string][]Service{
		"apple": {{Type: "http", Properties: map[string]string{"uri": "${external}/v1"}}},
	})
	slot := models.SlotStatus{
		ID:         "apple1",
		External:   "http://apple1.example",
		Location:   "/us/a",
		State:      models.SlotStateRunning,
		Assignment: models.Assignment{Binary: "food.fruit:apple:1.0", Config: "@apple:juicy:1.0"},
	}

	services := inv.Services(slot)
	require.Len(t, services, 1)
	assert.Equal(t, "http", services[0].Type)
	assert.Equal(t, "juicy", services[0].Pool)
	assert.Equal(t, "http://apple1.example/v1", services[0].Properties["uri"])
	assert.Equal(t, services[0].ID, inv.Services(slot)[0].ID)

	assert.Empty(t, inv.Services(slot.ChangeState(models.SlotStateStopped)))

	slot.Assignment.Config = "@banana:1.0"
	assert.Empty(t, inv.Services(slot))
}

func TestLoadStaticAndCollect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apple:
  - type: http
  - type: jmx
    properties:
      port: "9010"
`), 0644))

	inv, err := LoadStatic(path)
	require.NoError(t, err)

	slots := []models.SlotStatus{
		{ID: "b", State: models.SlotStateRunning, Assignment: models.Assignment{Config: "@apple:1.0"}},
		{ID: "a", State: models.SlotStateRunning, Assignment: models.Assignment{Config: "@apple:1.0"}},
	}
	descriptors := Collect(inv, slots)
	require.Len(t, descriptors, 4)
	assert.Equal(t, "http", descriptors[0].Type)
	assert.Equal(t, "a", descriptors[0].SlotID)
	assert.Equal(t, "jmx", descriptors[3].Type)
	assert.Equal(t, "9010", descriptors[3].Properties["port"])

	assert.Empty(t, Collect(nil, slots))
}
