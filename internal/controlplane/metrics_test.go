package controlplane

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fentz26/flotilla/internal/filter"
)

func TestMetrics(t *testing.T) {
	fx := newFixture(t)
	agent := fx.fruitFleet(t)
	agent.FailSlot("banana", nil)
	ctx := context.Background()

	_, err := fx.coordinator.SetState(ctx, filter.SlotFilter{IDs: []string{"apple1", "banana"}}, "start", "")
	require.NoError(t, err)
	_, err = fx.coordinator.SetState(ctx, filter.SlotFilter{IDs: []string{"apple1"}}, "stop", "stale")
	require.Error(t, err)

	m := fx.coordinator.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("start", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))

	expected := `
# HELP flotilla_slots Slots of online agents by state.
# TYPE flotilla_slots gauge
flotilla_slots{state="running"} 1
flotilla_slots{state="stopped"} 2
# HELP flotilla_slots_drifted Slots whose observed state differs from the expected state.
# TYPE flotilla_slots_drifted gauge
flotilla_slots_drifted 1
`
	require.NoError(t, testutil.GatherAndCompare(fx.coordinator.Registry(), strings.NewReader(expected),
		"flotilla_slots", "flotilla_slots_drifted"))

	fx.coordinator.ExpireAgents(fx.now.Add(time.Hour))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.expired))
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.fruitFleet(t)
	h := NewServer(fx.coordinator, nil, "", zaptest.NewLogger(t)).Handler()

	w := do(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `flotilla_agents{state="online"} 1`)
}
