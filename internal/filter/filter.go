// Package filter compiles slot and agent selection criteria into predicates.
//
// Criteria are ANDed across kinds and ORed within a kind. A filter with no
// criteria matches everything; mutating callers must reject it themselves
// via IsEmpty.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/fentz26/flotilla/internal/models"
)

var (
	// ErrAmbiguousSelector matches *AmbiguousSelectorError via errors.Is.
	ErrAmbiguousSelector = errors.New("ambiguous selector")
	// ErrInvalidPattern is returned when a glob does not compile.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// AmbiguousSelectorError reports an id prefix that matched more than one slot.
type AmbiguousSelectorError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousSelectorError) Error() string {
	return fmt.Sprintf("ambiguous selector %q matches %s", e.Prefix, strings.Join(e.Matches, ", "))
}

func (e *AmbiguousSelectorError) Is(target error) bool {
	return target == ErrAmbiguousSelector
}

// SlotFilter selects slots.
type SlotFilter struct {
	IDs        []string           `json:"ids,omitempty"`
	IDPrefixes []string           `json:"id_prefixes,omitempty"`
	Binary     []string           `json:"binary,omitempty"`
	Config     []string           `json:"config,omitempty"`
	Host       []string           `json:"host,omitempty"`
	States     []models.SlotState `json:"states,omitempty"`

	// IncludeOffline also selects slots of agents that stopped reporting.
	// It is not a selection criterion.
	IncludeOffline bool `json:"include_offline,omitempty"`
}

// IsEmpty reports whether no selection criteria are present.
func (f SlotFilter) IsEmpty() bool {
	return len(f.IDs) == 0 &&
		len(f.IDPrefixes) == 0 &&
		len(f.Binary) == 0 &&
		len(f.Config) == 0 &&
		len(f.Host) == 0 &&
		len(f.States) == 0
}

// SlotPredicate reports whether a slot is selected.
type SlotPredicate func(models.SlotStatus) bool

// Compile resolves id prefixes against universe and returns the predicate.
// With requireUnique, a prefix matching more than one id fails with
// *AmbiguousSelectorError.
func (f SlotFilter) Compile(universe []string, requireUnique bool) (SlotPredicate, error) {
	var preds []SlotPredicate

	if len(f.IDs) > 0 {
		ids := toSet(f.IDs)
		preds = append(preds, func(s models.SlotStatus) bool { return ids[s.ID] })
	}

	if len(f.IDPrefixes) > 0 {
		resolved := make(map[string]bool)
		for _, prefix := range f.IDPrefixes {
			matches := matchPrefix(universe, prefix)
			if requireUnique && len(matches) > 1 {
				return nil, &AmbiguousSelectorError{Prefix: prefix, Matches: matches}
			}
			for _, id := range matches {
				resolved[id] = true
			}
		}
		preds = append(preds, func(s models.SlotStatus) bool { return resolved[s.ID] })
	}

	if len(f.Binary) > 0 {
		globs, err := compileGlobs("binary", f.Binary, ':')
		if err != nil {
			return nil, err
		}
		preds = append(preds, func(s models.SlotStatus) bool { return matchAny(globs, s.Assignment.Binary) })
	}

	if len(f.Config) > 0 {
		globs, err := compileGlobs("config", f.Config, ':')
		if err != nil {
			return nil, err
		}
		preds = append(preds, func(s models.SlotStatus) bool { return matchAny(globs, s.Assignment.Config) })
	}

	if len(f.Host) > 0 {
		globs, err := compileGlobs("host", f.Host)
		if err != nil {
			return nil, err
		}
		preds = append(preds, func(s models.SlotStatus) bool { return matchAny(globs, s.Host()) })
	}

	if len(f.States) > 0 {
		states := make(map[models.SlotState]bool, len(f.States))
		for _, st := range f.States {
			states[st] = true
		}
		preds = append(preds, func(s models.SlotStatus) bool { return states[s.State] })
	}

	return func(s models.SlotStatus) bool {
		for _, p := range preds {
			if !p(s) {
				return false
			}
		}
		return true
	}, nil
}

// Apply returns the slots selected by f, ordered by id.
func (f SlotFilter) Apply(slots []models.SlotStatus, requireUnique bool) ([]models.SlotStatus, error) {
	universe := make([]string, 0, len(slots))
	for _, s := range slots {
		universe = append(universe, s.ID)
	}
	pred, err := f.Compile(universe, requireUnique)
	if err != nil {
		return nil, err
	}

	var selected []models.SlotStatus
	for _, s := range slots {
		if pred(s) {
			selected = append(selected, s)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
	return selected, nil
}

// AgentFilter selects agents.
type AgentFilter struct {
	IDs           []string            `json:"ids,omitempty"`
	IDPrefixes    []string            `json:"id_prefixes,omitempty"`
	States        []models.AgentState `json:"states,omitempty"`
	Host          []string            `json:"host,omitempty"`
	InstanceTypes []string            `json:"instance_types,omitempty"`
}

// IsEmpty reports whether no selection criteria are present.
func (f AgentFilter) IsEmpty() bool {
	return len(f.IDs) == 0 && len(f.IDPrefixes) == 0 && len(f.States) == 0 &&
		len(f.Host) == 0 && len(f.InstanceTypes) == 0
}

// AgentPredicate reports whether an agent is selected.
type AgentPredicate func(models.AgentStatus) bool

// Compile returns the predicate for f.
func (f AgentFilter) Compile() (AgentPredicate, error) {
	hosts, err := compileGlobs("host", f.Host)
	if err != nil {
		return nil, err
	}
	ids := toSet(f.IDs)
	types := toSet(f.InstanceTypes)
	states := make(map[models.AgentState]bool, len(f.States))
	for _, st := range f.States {
		states[st] = true
	}

	return func(a models.AgentStatus) bool {
		if len(ids) > 0 && !ids[a.ID] {
			return false
		}
		if len(f.IDPrefixes) > 0 && !hasAnyPrefix(a.ID, f.IDPrefixes) {
			return false
		}
		if len(states) > 0 && !states[a.State] {
			return false
		}
		if len(hosts) > 0 && !matchAny(hosts, a.Host()) {
			return false
		}
		if len(types) > 0 && !types[a.InstanceType] {
			return false
		}
		return true
	}, nil
}

func compileGlobs(kind string, patterns []string, separators ...rune) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, separators...)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidPattern, kind, p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func matchPrefix(universe []string, prefix string) []string {
	seen := make(map[string]bool)
	var matches []string
	for _, id := range universe {
		if strings.HasPrefix(id, prefix) && !seen[id] {
			seen[id] = true
			matches = append(matches, id)
		}
	}
	sort.Strings(matches)
	return matches
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
