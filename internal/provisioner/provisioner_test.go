package provisioner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/flotilla/internal/models"
)

func TestProvisionAndTerminate(t *testing.T) {
	p := NewLocal("http://agents.local/", "small")
	ctx := context.Background()

	agents, err := p.ProvisionAgents(ctx, 2, "", "us-east-1a")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	for _, a := range agents {
		assert.Equal(t, models.AgentStateProvisioning, a.State)
		assert.Equal(t, "small", a.InstanceType)
		assert.Equal(t, "us-east-1a", a.Location)
		assert.Equal(t, "http://agents.local/"+a.ID, a.Self)
	}
	assert.NotEqual(t, agents[0].ID, agents[1].ID)

	all, err := p.Agents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, p.TerminateAgent(ctx, agents[0].ID))
	assert.ErrorIs(t, p.TerminateAgent(ctx, agents[0].ID), ErrUnknownInstance)

	all, err = p.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, agents[1].ID, all[0].ID)
}

func TestProvisionRejectsBadCount(t *testing.T) {
	_, err := NewLocal("", "").ProvisionAgents(context.Background(), 0, "", "")
	assert.Error(t, err)
}

func TestRegisterIsStable(t *testing.T) {
	p := NewLocal("", "large")
	first := p.Register("http://10.0.0.1:7771")
	second := p.Register("http://10.0.0.1:7771")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "large", first.InstanceType)

	all, err := p.Agents(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
