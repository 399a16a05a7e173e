package commands

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// nodesCmd represents the nodes command
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List known mesh peers",
	Long:  `Retrieve and display the mesh peers the daemon currently knows about.`,
	RunE:  runNodes,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
}

func runNodes(cmd *cobra.Command, args []string) error {
	nodes, err := newClient().Nodes()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(nodes)
	}

	if len(nodes) == 0 {
		fmt.Println("No peers known")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Node", "RAM free", "GPU", "Thermal", "Battery", "Load", "Reliability", "Last seen")
	for _, n := range nodes {
		gpu := "No"
		if n.Resources.HasGPU {
			gpu = "Yes"
		}
		battery := fmt.Sprintf("%d%%", n.Battery.LevelPercent)
		if n.Battery.OnMainsPower {
			battery = "mains"
		}
		table.Append(
			n.NodeID,
			fmt.Sprintf("%d MB", n.Resources.RAMAvailableMB),
			gpu,
			string(n.ThermalState),
			battery,
			fmt.Sprintf("%d", n.CurrentLoad),
			fmt.Sprintf("%.2f", n.ReliabilityScore),
			formatAge(n.LastSeen),
		)
	}
	table.Render()
	fmt.Printf("\nTotal peers: %d\n", len(nodes))
	return nil
}
