// Package models defines the core domain types for flotilla.
package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SlotState represents the lifecycle state of a slot.
type SlotState string

const (
	SlotStateUnknown    SlotState = "unknown"
	SlotStateStopped    SlotState = "stopped"
	SlotStateRunning    SlotState = "running"
	SlotStateRestarting SlotState = "restarting"
	SlotStateTerminated SlotState = "terminated"
)

// ParseSlotState returns the state named by s.
func ParseSlotState(s string) (SlotState, bool) {
	switch state := SlotState(strings.ToLower(strings.TrimSpace(s))); state {
	case SlotStateUnknown, SlotStateStopped, SlotStateRunning, SlotStateRestarting, SlotStateTerminated:
		return state, true
	}
	return "", false
}

// AgentState represents the liveness of an agent.
type AgentState string

const (
	AgentStateOnline       AgentState = "online"
	AgentStateOffline      AgentState = "offline"
	AgentStateProvisioning AgentState = "provisioning"
)

// Assignment is the (binary, config) pair a slot runs.
type Assignment struct {
	Binary string `json:"binary"`
	Config string `json:"config"`
}

func (a Assignment) String() string {
	return a.Binary + " " + a.Config
}

// IsZero reports whether the assignment is empty.
func (a Assignment) IsZero() bool {
	return a.Binary == "" && a.Config == ""
}

// Validate checks both halves of the assignment parse.
func (a Assignment) Validate() error {
	if _, err := ParseBinarySpec(a.Binary); err != nil {
		return err
	}
	if _, err := ParseConfigSpec(a.Config); err != nil {
		return err
	}
	return nil
}

// ConfigFile is one entry of a resolved configuration bundle.
type ConfigFile struct {
	Path string `json:"path"`
	URI  string `json:"uri"`
}

// Installation is everything an agent needs to install or upgrade a slot.
type Installation struct {
	Assignment  Assignment     `json:"assignment"`
	ConfigFiles []ConfigFile   `json:"config_files,omitempty"`
	Resources   map[string]int `json:"resources,omitempty"`
}

// SlotStatus is the observed status of a single slot.
type SlotStatus struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Self          string         `json:"self"`
	External      string         `json:"external,omitempty"`
	Location      string         `json:"location,omitempty"`
	State         SlotState      `json:"state"`
	Assignment    Assignment     `json:"assignment"`
	InstallPath   string         `json:"install_path,omitempty"`
	Resources     map[string]int `json:"resources,omitempty"`
	StatusMessage string         `json:"status_message,omitempty"`

	// Expected* are populated from the expected-state store when the
	// observed slot has drifted from what the operator declared.
	ExpectedState      SlotState   `json:"expected_state,omitempty"`
	ExpectedAssignment *Assignment `json:"expected_assignment,omitempty"`
}

// ChangeState returns a copy of the slot in the given state.
func (s SlotStatus) ChangeState(state SlotState) SlotStatus {
	c := s.Clone()
	c.State = state
	return c
}

// WithMessage returns a copy of the slot carrying the status message.
func (s SlotStatus) WithMessage(msg string) SlotStatus {
	c := s.Clone()
	c.StatusMessage = msg
	return c
}

// Clone returns a deep copy.
func (s SlotStatus) Clone() SlotStatus {
	c := s
	c.Resources = cloneResources(s.Resources)
	if s.ExpectedAssignment != nil {
		a := *s.ExpectedAssignment
		c.ExpectedAssignment = &a
	}
	return c
}

// Host returns the host part of the slot's self URI.
func (s SlotStatus) Host() string {
	return hostOf(s.Self)
}

// AgentStatus is the last status reported by an agent.
type AgentStatus struct {
	ID           string         `json:"id"`
	State        AgentState     `json:"state"`
	Self         string         `json:"self"`
	External     string         `json:"external,omitempty"`
	Location     string         `json:"location,omitempty"`
	InstanceType string         `json:"instance_type,omitempty"`
	Slots        []SlotStatus   `json:"slots"`
	Resources    map[string]int `json:"resources,omitempty"`
	LastUpdate   time.Time      `json:"last_update"`
}

// Clone returns a deep copy.
func (a AgentStatus) Clone() AgentStatus {
	c := a
	c.Resources = cloneResources(a.Resources)
	if a.Slots != nil {
		c.Slots = make([]SlotStatus, len(a.Slots))
		for i, s := range a.Slots {
			c.Slots[i] = s.Clone()
		}
	}
	return c
}

// Slot returns the slot with the given id.
func (a AgentStatus) Slot(id string) (SlotStatus, bool) {
	for _, s := range a.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return SlotStatus{}, false
}

// Host returns the host part of the agent's self URI.
func (a AgentStatus) Host() string {
	return hostOf(a.Self)
}

// AvailableResources returns the agent resources not consumed by its slots.
func (a AgentStatus) AvailableResources() map[string]int {
	available := cloneResources(a.Resources)
	if available == nil {
		available = make(map[string]int)
	}
	for _, s := range a.Slots {
		for k, v := range s.Resources {
			available[k] -= v
		}
	}
	return available
}

// CanFit reports whether the agent has room for a slot needing the given resources.
func (a AgentStatus) CanFit(required map[string]int) bool {
	if len(required) == 0 {
		return true
	}
	available := a.AvailableResources()
	for k, v := range required {
		if available[k] < v {
			return false
		}
	}
	return true
}

// ExpectedSlotStatus is the operator-declared state of a slot.
type ExpectedSlotStatus struct {
	SlotID     string     `json:"slot_id"`
	State      SlotState  `json:"state"`
	Assignment Assignment `json:"assignment"`
}

// UpgradeVersions names the new binary and/or config versions for an upgrade.
type UpgradeVersions struct {
	BinaryVersion string `json:"binary_version,omitempty"`
	ConfigVersion string `json:"config_version,omitempty"`
}

// Upgrade rewrites the version components of an assignment.
func (u UpgradeVersions) Upgrade(a Assignment) (Assignment, error) {
	if u.BinaryVersion == "" && u.ConfigVersion == "" {
		return Assignment{}, fmt.Errorf("upgrade requires a binary or config version")
	}
	upgraded := a
	if u.BinaryVersion != "" {
		b, err := ParseBinarySpec(a.Binary)
		if err != nil {
			return Assignment{}, err
		}
		b.Version = u.BinaryVersion
		upgraded.Binary = b.String()
	}
	if u.ConfigVersion != "" {
		c, err := ParseConfigSpec(a.Config)
		if err != nil {
			return Assignment{}, err
		}
		c.Version = u.ConfigVersion
		upgraded.Config = c.String()
	}
	return upgraded, nil
}

// ServiceDescriptor announces a service provided by a running slot.
type ServiceDescriptor struct {
	ID         string            `json:"id"`
	SlotID     string            `json:"slot_id"`
	Type       string            `json:"type"`
	Pool       string            `json:"pool"`
	Location   string            `json:"location,omitempty"`
	State      SlotState         `json:"state"`
	Properties map[string]string `json:"properties,omitempty"`
}

func cloneResources(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func hostOf(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
