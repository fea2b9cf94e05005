package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/flotilla/internal/controlplane"
	"github.com/fentz26/flotilla/internal/filter"
	"github.com/fentz26/flotilla/internal/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show agents",
	RunE:  runAgentShow,
}

var agentProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision new agents",
	RunE:  runAgentProvision,
}

var agentTerminateCmd = &cobra.Command{
	Use:   "terminate [agent-id]",
	Short: "Terminate an agent that has no slots",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentTerminate,
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Show services provided by running slots",
	RunE:  runServices,
}

var (
	agentUUIDs         []string
	agentHosts         []string
	agentStates        []string
	agentInstanceTypes []string

	provisionCount   int
	instanceType     string
	availabilityZone string
)

func init() {
	agentCmd.AddCommand(agentShowCmd, agentProvisionCmd, agentTerminateCmd)

	agentShowCmd.Flags().StringSliceVarP(&agentUUIDs, "uuid", "u", nil, "Select agents by id prefix")
	agentShowCmd.Flags().StringSliceVarP(&agentHosts, "host", "H", nil, "Select agents by host glob")
	agentShowCmd.Flags().StringSliceVarP(&agentStates, "state", "s", nil, "Select agents by state (online, offline, provisioning)")
	agentShowCmd.Flags().StringSliceVar(&agentInstanceTypes, "instance-type", nil, "Select agents by instance type")

	agentProvisionCmd.Flags().IntVarP(&provisionCount, "count", "n", 1, "Number of agents")
	agentProvisionCmd.Flags().StringVar(&instanceType, "instance-type", "", "Instance type")
	agentProvisionCmd.Flags().StringVar(&availabilityZone, "zone", "", "Availability zone")
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	f := filter.AgentFilter{
		IDPrefixes:    agentUUIDs,
		Host:          agentHosts,
		InstanceTypes: agentInstanceTypes,
	}
	for _, s := range agentStates {
		f.States = append(f.States, models.AgentState(s))
	}

	path := "/v1/agent"
	if q := f.Query().Encode(); q != "" {
		path += "?" + q
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var agents []models.AgentStatus
	if err := json.Unmarshal(resp, &agents); err != nil {
		return err
	}
	printAgents(os.Stdout, agents)
	return nil
}

func runAgentProvision(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/v1/agent", controlplane.ProvisionRequest{
		Count:            provisionCount,
		InstanceType:     instanceType,
		AvailabilityZone: availabilityZone,
	})
	if err != nil {
		return err
	}

	var agents []models.AgentStatus
	if err := json.Unmarshal(resp, &agents); err != nil {
		return err
	}
	printAgents(os.Stdout, agents)
	return nil
}

func runAgentTerminate(cmd *cobra.Command, args []string) error {
	resp, err := apiDelete("/v1/agent/" + args[0])
	if err != nil {
		return err
	}

	var agent models.AgentStatus
	if err := json.Unmarshal(resp, &agent); err != nil {
		return err
	}
	fmt.Printf("Terminated agent %s\n", agent.ID)
	return nil
}

func runServices(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/v1/serviceInventory")
	if err != nil {
		return err
	}

	var services []models.ServiceDescriptor
	if err := json.Unmarshal(resp, &services); err != nil {
		return err
	}
	printServices(os.Stdout, services)
	return nil
}
