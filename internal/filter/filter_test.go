package filter

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/flotilla/internal/models"
)

var (
	apple   = models.Assignment{Binary: "food.fruit:apple:1.0", Config: "@apple:1.0"}
	banana  = models.Assignment{Binary: "food.fruit:banana:2.0-SNAPSHOT", Config: "@banana:2.0-SNAPSHOT"}
	fixture = []models.SlotStatus{
		{ID: "ab1-apple", Self: "http://host1.example.com/v1/agent/slot/apple1", State: models.SlotStateStopped, Assignment: apple},
		{ID: "ab2-apple", Self: "http://host1.example.com/v1/agent/slot/apple2", State: models.SlotStateRunning, Assignment: apple},
		{ID: "cd3-banana", Self: "http://host2.example.com/v1/agent/slot/banana", State: models.SlotStateStopped, Assignment: banana},
	}
)

func ids(slots []models.SlotStatus) []string {
	var out []string
	for _, s := range slots {
		out = append(out, s.ID)
	}
	return out
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	f := SlotFilter{}
	assert.True(t, f.IsEmpty())

	got, err := f.Apply(fixture, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab1-apple", "ab2-apple", "cd3-banana"}, ids(got))
}

func TestIncludeOfflineIsNotACriterion(t *testing.T) {
	assert.True(t, SlotFilter{IncludeOffline: true}.IsEmpty())
	assert.False(t, SlotFilter{States: []models.SlotState{models.SlotStateRunning}}.IsEmpty())
}

func TestBinaryGlob(t *testing.T) {
	got, err := SlotFilter{Binary: []string{"*:apple:*"}}.Apply(fixture, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab1-apple", "ab2-apple"}, ids(got))

	// a segment wildcard does not cross ':'
	got, err = SlotFilter{Binary: []string{"*:1.0"}}.Apply(fixture, true)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConfigGlob(t *testing.T) {
	got, err := SlotFilter{Config: []string{"@banana:*"}}.Apply(fixture, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"cd3-banana"}, ids(got))
}

func TestHostGlob(t *testing.T) {
	got, err := SlotFilter{Host: []string{"host2.*"}}.Apply(fixture, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"cd3-banana"}, ids(got))
}

func TestKindsAreAndedValuesAreOred(t *testing.T) {
	f := SlotFilter{
		Binary: []string{"*:apple:*", "*:banana:*"},
		States: []models.SlotState{models.SlotStateStopped},
	}
	got, err := f.Apply(fixture, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab1-apple", "cd3-banana"}, ids(got))
}

func TestPrefixSelection(t *testing.T) {
	got, err := SlotFilter{IDPrefixes: []string{"cd"}}.Apply(fixture, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"cd3-banana"}, ids(got))

	got, err = SlotFilter{IDPrefixes: []string{"zz"}}.Apply(fixture, true)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAmbiguousPrefix(t *testing.T) {
	_, err := SlotFilter{IDPrefixes: []string{"ab"}}.Apply(fixture, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmbiguousSelector))

	var ambiguous *AmbiguousSelectorError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, "ab", ambiguous.Prefix)
	assert.Equal(t, []string{"ab1-apple", "ab2-apple"}, ambiguous.Matches)

	// reads accept a prefix matching many slots
	got, err := SlotFilter{IDPrefixes: []string{"ab"}}.Apply(fixture, false)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestApplyOrdersByID(t *testing.T) {
	shuffled := []models.SlotStatus{fixture[2], fixture[0], fixture[1]}
	got, err := SlotFilter{}.Apply(shuffled, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab1-apple", "ab2-apple", "cd3-banana"}, ids(got))
}

func TestAgentFilter(t *testing.T) {
	agents := []models.AgentStatus{
		{ID: "agent-1", State: models.AgentStateOnline, Self: "http://host1.example.com/", InstanceType: "m1.small"},
		{ID: "agent-2", State: models.AgentStateOffline, Self: "http://host2.example.com/", InstanceType: "m1.large"},
	}

	match := func(f AgentFilter) []string {
		pred, err := f.Compile()
		require.NoError(t, err)
		var out []string
		for _, a := range agents {
			if pred(a) {
				out = append(out, a.ID)
			}
		}
		return out
	}

	assert.Equal(t, []string{"agent-1", "agent-2"}, match(AgentFilter{}))
	assert.Equal(t, []string{"agent-1"}, match(AgentFilter{States: []models.AgentState{models.AgentStateOnline}}))
	assert.Equal(t, []string{"agent-2"}, match(AgentFilter{Host: []string{"host2*"}}))
	assert.Equal(t, []string{"agent-2"}, match(AgentFilter{InstanceTypes: []string{"m1.large"}}))
	assert.Equal(t, []string{"agent-1"}, match(AgentFilter{IDPrefixes: []string{"agent-1"}}))
}

func TestSlotFilterQueryRoundTrip(t *testing.T) {
	f := SlotFilter{
		IDPrefixes:     []string{"ab"},
		Binary:         []string{"*:apple:*"},
		States:         []models.SlotState{models.SlotStateRunning},
		IncludeOffline: true,
	}
	got, err := SlotFilterFromQuery(f.Query())
	require.NoError(t, err)
	assert.Equal(t, f, got)

	_, err = SlotFilterFromQuery(url.Values{ParamState: {"sleeping"}})
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestShortestUniquePrefix(t *testing.T) {
	ids := []string{"abc123", "abd456", "abe789"}
	assert.Equal(t, 3, ShortestUniquePrefix(ids, 1))
	assert.Equal(t, 3, ShortestUniquePrefix(ids, 3))
	assert.Equal(t, 4, ShortestUniquePrefix(ids, 4))

	assert.Equal(t, 4, ShortestUniquePrefix(nil, 4))
	assert.Equal(t, 5, ShortestUniquePrefix([]string{"abcde", "abcdf"}, 2))
	assert.Equal(t, 3, ShortestUniquePrefix([]string{"abc", "abc"}, 4))
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", Shorten("abcdef", 3))
	assert.Equal(t, "ab", Shorten("ab", 3))
	assert.Equal(t, "abcdef", Shorten("abcdef", 0))
}
