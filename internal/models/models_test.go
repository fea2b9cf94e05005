package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBinarySpec(t *testing.T) {
	tests := []struct {
		in      string
		want    BinarySpec
		wantErr bool
	}{
		{"food.fruit:apple:1.0", BinarySpec{GroupID: "food.fruit", ArtifactID: "apple", Version: "1.0"}, false},
		{"food.fruit:apple:tar.gz:1.0", BinarySpec{GroupID: "food.fruit", ArtifactID: "apple", Packaging: "tar.gz", Version: "1.0"}, false},
		{"food.fruit:apple:tar.gz:bin:1.0", BinarySpec{GroupID: "food.fruit", ArtifactID: "apple", Packaging: "tar.gz", Classifier: "bin", Version: "1.0"}, false},
		{"apple:1.0", BinarySpec{}, true},
		{"food.fruit::1.0", BinarySpec{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBinarySpec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestParseConfigSpec(t *testing.T) {
	c, err := ParseConfigSpec("@apple:1.0")
	require.NoError(t, err)
	assert.Equal(t, ConfigSpec{Component: "apple", Pool: DefaultPool, Version: "1.0"}, c)
	assert.Equal(t, "@apple:1.0", c.String())

	c, err = ParseConfigSpec("@apple:canary:2.0")
	require.NoError(t, err)
	assert.Equal(t, "canary", c.Pool)
	assert.Equal(t, "@apple:canary:2.0", c.String())

	_, err = ParseConfigSpec("apple:1.0")
	assert.Error(t, err)
}

func TestUpgradeVersions(t *testing.T) {
	a := Assignment{Binary: "food.fruit:apple:1.0", Config: "@apple:1.0"}

	upgraded, err := UpgradeVersions{BinaryVersion: "2.0"}.Upgrade(a)
	require.NoError(t, err)
	assert.Equal(t, Assignment{Binary: "food.fruit:apple:2.0", Config: "@apple:1.0"}, upgraded)

	upgraded, err = UpgradeVersions{BinaryVersion: "2.0", ConfigVersion: "3.0"}.Upgrade(a)
	require.NoError(t, err)
	assert.Equal(t, Assignment{Binary: "food.fruit:apple:2.0", Config: "@apple:3.0"}, upgraded)

	_, err = UpgradeVersions{}.Upgrade(a)
	assert.Error(t, err)
}

func TestAgentCanFit(t *testing.T) {
	agent := AgentStatus{
		Resources: map[string]int{"cpu": 8, "memory": 1024},
		Slots: []SlotStatus{
			{ID: "a", Resources: map[string]int{"cpu": 6, "memory": 512}},
		},
	}

	assert.True(t, agent.CanFit(nil))
	assert.True(t, agent.CanFit(map[string]int{"cpu": 2, "memory": 512}))
	assert.False(t, agent.CanFit(map[string]int{"cpu": 3}))
	assert.False(t, agent.CanFit(map[string]int{"disk": 1}))
}

func TestCloneIsDeep(t *testing.T) {
	agent := AgentStatus{
		ID:        "agent",
		Resources: map[string]int{"cpu": 8},
		Slots:     []SlotStatus{{ID: "a", State: SlotStateStopped, Resources: map[string]int{"cpu": 1}}},
	}

	c := agent.Clone()
	c.Resources["cpu"] = 1
	c.Slots[0].State = SlotStateRunning
	c.Slots[0].Resources["cpu"] = 4

	assert.Equal(t, 8, agent.Resources["cpu"])
	assert.Equal(t, SlotStateStopped, agent.Slots[0].State)
	assert.Equal(t, 1, agent.Slots[0].Resources["cpu"])
}

func TestSlotHost(t *testing.T) {
	s := SlotStatus{Self: "http://host1.example.com:8080/v1/agent/slot/a"}
	assert.Equal(t, "host1.example.com", s.Host())
	assert.Equal(t, "", SlotStatus{}.Host())
}
