package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	storeTags   []string
	getOutFile  string
	shareTarget string
)

// filesCmd represents the files command
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage stored files",
	Long:  `Commands for storing, listing, retrieving, verifying, sharing, and deleting files on the daemon.`,
}

// filesListCmd represents the files list command
var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored files",
	RunE:  runFilesList,
}

// filesStoreCmd represents the files store command
var filesStoreCmd = &cobra.Command{
	Use:   "store <path>",
	Short: "Store a local file on the daemon",
	Long: `Upload a local file to the daemon. The content is streamed, so large
files do not need to fit in memory on either side.`,
	Args: cobra.ExactArgs(1),
	RunE: runFilesStore,
}

// filesGetCmd represents the files get command
var filesGetCmd = &cobra.Command{
	Use:   "get <file-id>",
	Short: "Retrieve a stored file",
	Long:  `Download the bytes of a stored file to a local path or stdout.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesGet,
}

// filesDeleteCmd represents the files delete command
var filesDeleteCmd = &cobra.Command{
	Use:   "delete <file-id>",
	Short: "Delete a stored file and its replicas",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesDelete,
}

// filesVerifyCmd represents the files verify command
var filesVerifyCmd = &cobra.Command{
	Use:   "verify <file-id>",
	Short: "Verify a stored file against its recorded checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesVerify,
}

// filesShareCmd represents the files share command
var filesShareCmd = &cobra.Command{
	Use:   "share <file-id>",
	Short: "Announce a stored file to a peer without copying bytes",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesShare,
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesStoreCmd)
	filesCmd.AddCommand(filesGetCmd)
	filesCmd.AddCommand(filesDeleteCmd)
	filesCmd.AddCommand(filesVerifyCmd)
	filesCmd.AddCommand(filesShareCmd)

	filesStoreCmd.Flags().StringSliceVar(&storeTags, "tag", nil, "tag to attach to the file (repeatable)")
	filesGetCmd.Flags().StringVarP(&getOutFile, "out", "o", "", "output path (default: original name in the current directory, - for stdout)")
	filesShareCmd.Flags().StringVar(&shareTarget, "peer", "", "node ID of the peer to announce to")
	filesShareCmd.MarkFlagRequired("peer")
}

func runFilesList(cmd *cobra.Command, args []string) error {
	files, err := newClient().Files()
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(files)
	}

	if len(files) == 0 {
		fmt.Println("No files stored")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Size", "Replicas", "Accesses", "Last access", "Tags")
	for _, f := range files {
		tags := ""
		for i, t := range f.Tags {
			if i > 0 {
				tags += ","
			}
			tags += t
		}
		table.Append(
			f.ID,
			f.OriginalName,
			formatBytes(f.SizeBytes),
			fmt.Sprintf("%d", f.ReplicationFactor),
			fmt.Sprintf("%d", f.AccessCount),
			formatAge(f.LastAccessedAt),
			tags,
		)
	}
	table.Render()
	fmt.Printf("\nTotal files: %d\n", len(files))
	return nil
}

func runFilesStore(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	stored, err := newClient().UploadFile(filepath.Base(path), f, storeTags)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(stored)
	}
	fmt.Printf("Stored as %s\n", stored.FileID)
	return nil
}

func runFilesGet(cmd *cobra.Command, args []string) error {
	fileID := args[0]
	data, checksum, err := newClient().RetrieveFile(fileID)
	if err != nil {
		return err
	}

	if getOutFile == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}

	out := getOutFile
	if out == "" {
		out = fileID
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("Wrote %s (%s", out, formatBytes(int64(len(data))))
	if checksum != "" {
		fmt.Printf(", checksum %s", checksum)
	}
	fmt.Println(")")
	return nil
}

func runFilesDelete(cmd *cobra.Command, args []string) error {
	deleted, err := newClient().DeleteFile(args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("file %s was not deleted", args[0])
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runFilesVerify(cmd *cobra.Command, args []string) error {
	valid, err := newClient().VerifyFile(args[0])
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("file %s failed integrity verification", args[0])
	}
	fmt.Printf("File %s verified OK\n", args[0])
	return nil
}

func runFilesShare(cmd *cobra.Command, args []string) error {
	if err := newClient().ShareFile(args[0], shareTarget); err != nil {
		return err
	}
	fmt.Printf("Announced %s to %s\n", args[0], shareTarget)
	return nil
}
