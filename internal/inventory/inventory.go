// Package inventory derives discoverable service descriptors from running slots.
package inventory

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/flotilla/internal/models"
)

// ServiceInventory lists the services a slot provides.
type ServiceInventory interface {
	Services(slot models.SlotStatus) []models.ServiceDescriptor
}

// Service is one service a component exposes when running.
type Service struct {
	Type       string            `yaml:"type"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// Static maps config components to the services they expose.
type Static struct {
	services map[string][]Service
}

// NewStatic creates a Static inventory from a component to services map.
func NewStatic(services map[string][]Service) *Static {
	if services == nil {
		services = make(map[string][]Service)
	}
	return &Static{services: services}
}

// LoadStatic reads a YAML file of the form
//
//	component:
//	  - type: http
//	    properties: {path: /v1}
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	var services map[string][]Service
	if err := yaml.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	return NewStatic(services), nil
}

// Services returns descriptors only for RUNNING slots. Property values may
// reference ${external} and ${self}.
func (s *Static) Services(slot models.SlotStatus) []models.ServiceDescriptor {
	if slot.State != models.SlotStateRunning {
		return nil
	}
	spec, err := models.ParseConfigSpec(slot.Assignment.Config)
	if err != nil {
		return nil
	}

	replacer := strings.NewReplacer("${external}", slot.External, "${self}", slot.Self)
	var descriptors []models.ServiceDescriptor
	for _, svc := range s.services[spec.Component] {
		props := make(map[string]string, len(svc.Properties))
		for k, v := range svc.Properties {
			props[k] = replacer.Replace(v)
		}
		descriptors = append(descriptors, models.ServiceDescriptor{
			ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(slot.ID+"/"+svc.Type)).String(),
			SlotID:     slot.ID,
			Type:       svc.Type,
			Pool:       spec.Pool,
			Location:   slot.Location,
			State:      slot.State,
			Properties: props,
		})
	}
	return descriptors
}

// Collect gathers the descriptors of every slot, ordered by type then slot id.
func Collect(inv ServiceInventory, slots []models.SlotStatus) []models.ServiceDescriptor {
	descriptors := []models.ServiceDescriptor{}
	if inv == nil {
		return descriptors
	}
	for _, slot := range slots {
		descriptors = append(descriptors, inv.Services(slot)...)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		if descriptors[i].Type != descriptors[j].Type {
			return descriptors[i].Type < descriptors[j].Type
		}
		return descriptors[i].SlotID < descriptors[j].SlotID
	})
	return descriptors
}
