package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/flotilla/internal/controlplane"
	"github.com/fentz26/flotilla/internal/filter"
	"github.com/fentz26/flotilla/internal/models"
	"github.com/fentz26/flotilla/internal/versions"
)

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Inspect and command slots",
	Long: `Slot commands select slots with the filter flags. Mutating commands refuse
an empty filter; pass --all to select every slot explicitly.`,
}

var slotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show slots",
	RunE:  runSlotShow,
}

var slotInstallCmd = &cobra.Command{
	Use:   "install <binary> <config>",
	Short: "Install an assignment on agents with room for it",
	Long:  "Target agents are selected with --host, or --all for any online agent with room.",
	Args:  cobra.ExactArgs(2),
	RunE:  runSlotInstall,
}

var slotUpgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade the binary and/or config version of slots",
	RunE:  runSlotUpgrade,
}

var slotTerminateCmd = &cobra.Command{
	Use:   "terminate",
	Short: "Terminate slots",
	RunE:  runSlotTerminate,
}

var slotResetCmd = &cobra.Command{
	Use:   "reset-to-actual",
	Short: "Make the observed state of slots their expected state",
	RunE:  runSlotReset,
}

var (
	slotUUIDs       []string
	slotBinaries    []string
	slotConfigs     []string
	slotHosts       []string
	slotStates      []string
	slotAll         bool
	slotOffline     bool
	expectedVersion string

	installCount  int
	binaryVersion string
	configVersion string
)

func init() {
	flags := slotCmd.PersistentFlags()
	flags.StringSliceVarP(&slotUUIDs, "uuid", "u", nil, "Select slots by id prefix")
	flags.StringSliceVarP(&slotBinaries, "binary", "b", nil, "Select slots by binary glob, e.g. '*:apple:*'")
	flags.StringSliceVarP(&slotConfigs, "config", "c", nil, "Select slots by config glob, e.g. '@apple:*'")
	flags.StringSliceVarP(&slotHosts, "host", "H", nil, "Select slots by host glob")
	flags.StringSliceVarP(&slotStates, "state", "s", nil, "Select slots by state (running, stopped, ...)")
	flags.BoolVar(&slotAll, "all", false, "Select every slot")
	flags.BoolVar(&slotOffline, "offline", false, "Also select slots of offline agents")
	flags.StringVarP(&expectedVersion, "expected-version", "V", "", "Fail unless the selected slots still have this version")

	slotInstallCmd.Flags().IntVarP(&installCount, "count", "n", 1, "Number of slots to install")
	slotUpgradeCmd.Flags().StringVar(&binaryVersion, "binary-version", "", "New binary version")
	slotUpgradeCmd.Flags().StringVar(&configVersion, "config-version", "", "New config version")

	slotCmd.AddCommand(slotShowCmd, slotInstallCmd, slotUpgradeCmd, slotTerminateCmd, slotResetCmd)
	for _, target := range []string{"start", "stop", "restart"} {
		slotCmd.AddCommand(lifecycleCmd(target))
	}
}

func lifecycleCmd(target string) *cobra.Command {
	return &cobra.Command{
		Use:   target,
		Short: fmt.Sprintf("%s slots", target),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateSlots(http.MethodPut, "/v1/slot/lifecycle", target)
		},
	}
}

// slotFilter builds the filter from the selection flags.
func slotFilter() (filter.SlotFilter, error) {
	f := filter.SlotFilter{
		IDPrefixes:     slotUUIDs,
		Binary:         slotBinaries,
		Config:         slotConfigs,
		Host:           slotHosts,
		IncludeOffline: slotOffline,
	}
	for _, s := range slotStates {
		state, ok := models.ParseSlotState(s)
		if !ok {
			return filter.SlotFilter{}, fmt.Errorf("unknown slot state %q", s)
		}
		f.States = append(f.States, state)
	}
	if slotAll && f.IsEmpty() {
		f.Host = []string{"*"}
	}
	return f, nil
}

func slotPath(base string) (string, error) {
	f, err := slotFilter()
	if err != nil {
		return "", err
	}
	if q := f.Query().Encode(); q != "" {
		return base + "?" + q, nil
	}
	return base, nil
}

func runSlotShow(cmd *cobra.Command, args []string) error {
	path, err := slotPath("/v1/slot")
	if err != nil {
		return err
	}
	body, header, err := apiDo(http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return renderSlots(body, header)
}

func runSlotInstall(cmd *cobra.Command, args []string) error {
	f := filter.AgentFilter{Host: slotHosts}
	if slotAll && f.IsEmpty() {
		f.Host = []string{"*"}
	}
	q := f.Query().Encode()
	path := "/v1/slot"
	if q != "" {
		path += "?" + q
	}
	req := controlplane.InstallRequest{
		Count:      installCount,
		Assignment: models.Assignment{Binary: args[0], Config: args[1]},
	}
	body, header, err := apiDo(http.MethodPost, path, req, nil)
	if err != nil {
		return err
	}
	return renderSlots(body, header)
}

func runSlotUpgrade(cmd *cobra.Command, args []string) error {
	if binaryVersion == "" && configVersion == "" {
		return errors.New("--binary-version or --config-version is required")
	}
	return mutateSlots(http.MethodPut, "/v1/slot/assignment", models.UpgradeVersions{
		BinaryVersion: binaryVersion,
		ConfigVersion: configVersion,
	})
}

func runSlotTerminate(cmd *cobra.Command, args []string) error {
	return mutateSlots(http.MethodDelete, "/v1/slot", nil)
}

func runSlotReset(cmd *cobra.Command, args []string) error {
	return mutateSlots(http.MethodDelete, "/v1/slot/expected-state", nil)
}

// mutateSlots sends a filtered slot command, carrying --expected-version.
func mutateSlots(method, base string, data interface{}) error {
	path, err := slotPath(base)
	if err != nil {
		return err
	}
	header := http.Header{}
	if expectedVersion != "" {
		header.Set(versions.SlotsVersionHeader, expectedVersion)
	}

	body, respHeader, err := apiDo(method, path, data, header)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		if current := apiErr.Header.Get(versions.SlotsVersionHeader); current != "" {
			return fmt.Errorf("slots changed since version %s; current version is %s", expectedVersion, current)
		}
	}
	if err != nil {
		return err
	}
	return renderSlots(body, respHeader)
}

func renderSlots(body []byte, header http.Header) error {
	var slots []controlplane.SlotRepresentation
	if err := json.Unmarshal(body, &slots); err != nil {
		return err
	}
	printSlots(os.Stdout, slots)
	printVersion(header.Get(versions.SlotsVersionHeader))
	return nil
}
