package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and service statistics",
	Long:  `Retrieve the daemon's lifecycle state and the running service statistics.`,
	RunE:  runStatus,
}

// capabilitiesCmd represents the capabilities command
var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show the daemon's own hardware capability snapshot",
	Long:  `Retrieve the capability snapshot the daemon announces to the mesh.`,
	RunE:  runCapabilities,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(capabilitiesCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := newClient().Status()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(st)
	}

	state := "inactive"
	if st.Active {
		state = "active"
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append("Node ID", st.NodeID)
	table.Append("Version", st.Version)
	table.Append("State", state)
	table.Append("Uptime", (time.Duration(st.Statistics.UptimeSeconds) * time.Second).String())
	table.Append("Tasks completed", fmt.Sprintf("%d", st.Statistics.TasksCompleted))
	table.Append("Tasks failed", fmt.Sprintf("%d", st.Statistics.TasksFailed))
	table.Append("Tasks canceled", fmt.Sprintf("%d", st.Statistics.TasksCanceled))
	table.Append("Storage requests", fmt.Sprintf("%d", st.Statistics.StorageRequests))
	table.Append("Storage errors", fmt.Sprintf("%d", st.Statistics.StorageErrors))
	table.Append("Bytes processed", formatBytes(st.Statistics.BytesProcessed))
	table.Append("Mesh contribution", fmt.Sprintf("%.1f%%", st.Statistics.MeshContributionScore))
	table.Render()
	return nil
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	snap, err := newClient().Capabilities()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(snap)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append("Node ID", snap.NodeID)
	table.Append("CPU cores", fmt.Sprintf("%d", snap.Resources.CPUCores))
	table.Append("RAM", fmt.Sprintf("%d / %d MB free", snap.Resources.RAMAvailableMB, snap.Resources.RAMTotalMB))
	table.Append("Storage", fmt.Sprintf("%.1f / %.1f GB free", snap.Resources.StorageAvailableGB, snap.Resources.StorageTotalGB))
	gpu := "No"
	if snap.Resources.HasGPU {
		gpu = "Yes"
		if snap.Resources.GPUModel != "" {
			gpu = snap.Resources.GPUModel
		}
	}
	table.Append("GPU", gpu)
	npu := "No"
	if snap.Resources.HasNPU {
		npu = "Yes"
	}
	table.Append("NPU", npu)
	battery := fmt.Sprintf("%d%%", snap.Battery.LevelPercent)
	if snap.Battery.OnMainsPower {
		battery = "mains power"
	} else if snap.Battery.Charging {
		battery += " (charging)"
	}
	table.Append("Battery", battery)
	table.Append("Thermal state", string(snap.ThermalState))
	for i, tag := range snap.CapabilityTags {
		label := "Capability tags"
		if i > 0 {
			label = ""
		}
		table.Append(label, tag)
	}
	table.Render()
	return nil
}
