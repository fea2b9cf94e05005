// Package versions computes the optimistic-concurrency token for a set of slots.
package versions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/fentz26/flotilla/internal/models"
)

// SlotsVersionHeader carries the token on requests and responses.
const SlotsVersionHeader = "X-Flotilla-Slots-Version"

type slotTuple struct {
	ID     string           `json:"id"`
	State  models.SlotState `json:"state"`
	Binary string           `json:"binary"`
	Config string           `json:"config"`
}

// SlotsVersion returns a digest of the (id, state, assignment) tuples of
// slots. The input order does not matter.
func SlotsVersion(slots []models.SlotStatus) string {
	tuples := make([]slotTuple, 0, len(slots))
	for _, s := range slots {
		tuples = append(tuples, slotTuple{
			ID:     s.ID,
			State:  s.State,
			Binary: s.Assignment.Binary,
			Config: s.Assignment.Config,
		})
	}
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].ID < tuples[j].ID })

	data, err := json.Marshal(tuples)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Check compares expected against the version of slots. An empty expected
// token always passes. The current token is returned either way.
func Check(expected string, slots []models.SlotStatus) (current string, ok bool) {
	current = SlotsVersion(slots)
	return current, expected == "" || expected == current
}
