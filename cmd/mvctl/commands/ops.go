package commands

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// opsCmd represents the ops command
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List tracked operations",
	Long:  `Retrieve every operation the daemon is tracking, storage and compute alike, newest first.`,
	RunE:  runOps,
}

func init() {
	rootCmd.AddCommand(opsCmd)
}

func runOps(cmd *cobra.Command, args []string) error {
	ops, err := newClient().Operations()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(ops)
	}

	if len(ops) == 0 {
		fmt.Println("No tracked operations")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Kind", "Status", "Progress", "Started", "Size")
	for _, op := range ops {
		size := ""
		if op.SizeBytes > 0 {
			size = formatBytes(op.SizeBytes)
		}
		table.Append(
			op.ID,
			string(op.Kind),
			string(op.Status),
			fmt.Sprintf("%d%%", op.Progress),
			formatAge(op.StartedAt),
			size,
		)
	}
	table.Render()
	return nil
}
