package commands

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// sharedCmd represents the shared command
var sharedCmd = &cobra.Command{
	Use:   "shared",
	Short: "Manage files peers have shared with this node",
	Long: `Commands for listing, downloading, and dismissing shared-with-me
entries. A shared entry is an advertisement; the bytes are only pulled
when you download it.`,
}

// sharedListCmd represents the shared list command
var sharedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shared-with-me entries",
	RunE:  runSharedList,
}

// sharedDownloadCmd represents the shared download command
var sharedDownloadCmd = &cobra.Command{
	Use:   "download <file-id>",
	Short: "Download a shared file from its sharer",
	Long: `Pull the bytes of an advertised file. The daemon verifies the content
against the advertised checksum before writing anything.`,
	Args: cobra.ExactArgs(1),
	RunE: runSharedDownload,
}

// sharedRmCmd represents the shared rm command
var sharedRmCmd = &cobra.Command{
	Use:   "rm <file-id>",
	Short: "Dismiss a shared entry",
	Long:  `Remove a shared entry. A downloaded local copy, if any, is deleted too.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSharedRm,
}

func init() {
	rootCmd.AddCommand(sharedCmd)
	sharedCmd.AddCommand(sharedListCmd)
	sharedCmd.AddCommand(sharedDownloadCmd)
	sharedCmd.AddCommand(sharedRmCmd)
}

func runSharedList(cmd *cobra.Command, args []string) error {
	shared, err := newClient().SharedFiles()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(shared)
	}

	if len(shared) == 0 {
		fmt.Println("Nothing shared with this node")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Size", "Shared by", "Shared", "Downloaded")
	for _, s := range shared {
		downloaded := "no"
		if s.Downloaded {
			downloaded = s.LocalPath
			if downloaded == "" {
				downloaded = "yes"
			}
		}
		table.Append(
			s.ID,
			s.OriginalName,
			formatBytes(s.SizeBytes),
			s.SharedBy,
			formatAge(s.SharedAt),
			downloaded,
		)
	}
	table.Render()
	return nil
}

func runSharedDownload(cmd *cobra.Command, args []string) error {
	result, err := newClient().DownloadShared(args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	if !result.Success {
		if result.Err != nil {
			return fmt.Errorf("download failed: %s", result.Err.Message)
		}
		return fmt.Errorf("download of %s failed", args[0])
	}
	fmt.Printf("Downloaded %s to %s\n", result.FileID, result.LocalPath)
	return nil
}

func runSharedRm(cmd *cobra.Command, args []string) error {
	if err := newClient().DismissShared(args[0]); err != nil {
		return err
	}
	fmt.Printf("Dismissed %s\n", args[0])
	return nil
}
