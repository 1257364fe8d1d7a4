package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ringmesh/ringd/format"
	"github.com/ringmesh/ringd/internal/nodeconfig"
	"github.com/ringmesh/ringd/internal/planner"
)

func newClusterCmd() *cobra.Command {
	clusterCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Administrative commands run out of band, before or between ring bring-ups",
	}

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute a layer-window assignment from a device profile manifest",
		RunE:  runClusterPlan,
	}
	planCmd.Flags().String("devices", "", "path to a JSON array of planner.DeviceProfile entries")
	planCmd.Flags().Int("total-layers", 0, "total transformer layer count of the model being served")
	planCmd.Flags().Uint64("bytes-per-layer", 0, "override the planner's default per-layer byte estimate")
	planCmd.Flags().Int("max-cycles", 0, "override the planner's default maximum ring cycle count")
	planCmd.Flags().String("out", "", "write the resulting config's n_layer_window back into this node config file instead of printing the plan")
	clusterCmd.AddCommand(planCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print this node's resolved configuration",
		RunE:  runClusterStatus,
	}
	statusCmd.Flags().String("config", "", "path to a node config JSON file")
	clusterCmd.AddCommand(statusCmd)

	return clusterCmd
}

func runClusterPlan(cmd *cobra.Command, args []string) error {
	devicesPath, _ := cmd.Flags().GetString("devices")
	if devicesPath == "" {
		return fmt.Errorf("cluster plan: --devices is required")
	}
	totalLayers, _ := cmd.Flags().GetInt("total-layers")
	if totalLayers <= 0 {
		return fmt.Errorf("cluster plan: --total-layers must be positive")
	}

	data, err := os.ReadFile(devicesPath)
	if err != nil {
		return fmt.Errorf("cluster plan: reading %s: %w", devicesPath, err)
	}
	var devices []planner.DeviceProfile
	if err := json.Unmarshal(data, &devices); err != nil {
		return fmt.Errorf("cluster plan: parsing %s: %w", devicesPath, err)
	}

	tunables := planner.DefaultTunables()
	if v, _ := cmd.Flags().GetUint64("bytes-per-layer"); v > 0 {
		tunables.BytesPerLayer = v
	}
	if v, _ := cmd.Flags().GetInt("max-cycles"); v > 0 {
		tunables.MaxCycles = v
	}

	plan, err := planner.Solve(devices, totalLayers, tunables)
	if err != nil {
		return fmt.Errorf("cluster plan: %w", err)
	}
	// BytesPerLayer is a resident fp16 weight footprint, so halving the
	// total recovers an approximate parameter count for the operator's
	// benefit; it is not used anywhere else in the plan.
	approxParams := uint64(totalLayers) * tunables.BytesPerLayer / 2
	fmt.Fprintf(os.Stderr, "per-layer footprint %s, ~%s params, %d ring cycles\n",
		format.HumanBytes(int64(tunables.BytesPerLayer)), format.HumanNumber(approxParams), plan.Cycles)

	outPath, _ := cmd.Flags().GetString("out")
	if outPath == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	cfg := nodeconfig.Defaults()
	_ = nodeconfig.LoadFile(&cfg, outPath)
	cfg.NWorld = len(plan.Assignments)
	cfg.NCycles = plan.Cycles
	window := make([]int, len(plan.Assignments))
	for _, a := range plan.Assignments {
		window[a.Rank] = a.LayerWindowSize
	}
	cfg.NLayerWindow = window
	if err := nodeconfig.SaveFile(cfg, outPath); err != nil {
		return fmt.Errorf("cluster plan: writing %s: %w", outPath, err)
	}
	fmt.Printf("wrote n_layer_window=%v cycles=%d to %s\n", window, plan.Cycles, outPath)
	return nil
}

func runClusterStatus(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := nodeconfig.Load(configPath, defaultLogger())
	if err != nil {
		return fmt.Errorf("cluster status: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if cfg.NeedsPlanning() {
		fmt.Fprintln(os.Stderr, "n_layer_window is unset or incomplete; run `ringd cluster plan` before serve")
	}
	return nil
}
