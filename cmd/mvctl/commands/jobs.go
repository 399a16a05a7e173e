package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"meshvault/pkg/client"
	"meshvault/pkg/models"
)

var (
	jobType     string
	jobParams   []string
	jobPayload  string
	jobPriority int
	jobWait     time.Duration
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage compute jobs",
	Long:  `Commands for submitting, inspecting, and canceling compute jobs on the daemon.`,
}

// jobsSubmitCmd represents the jobs submit command
var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a compute job",
	Long: `Submit a compute job for scheduling across the mesh.

Job types: python-script, model-inference, image-processing,
hybrid-compute, distributed-storage. Unknown types are accepted and
scheduled as a single fallback task.

Example:
  mvctl jobs submit --type distributed-storage --param operation=STORE --param replication_factor=3
  mvctl jobs submit --type image-processing --payload ./frame.png --wait 30s`,
	RunE: runJobsSubmit,
}

// jobsStatusCmd represents the jobs status command
var jobsStatusCmd = &cobra.Command{
	Use:   "status <operation-id>",
	Short: "Get the status of a submitted job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

// jobsPlanCmd represents the jobs plan command
var jobsPlanCmd = &cobra.Command{
	Use:   "plan <operation-id>",
	Short: "Show the execution plan the scheduler produced",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsPlan,
}

// jobsResultsCmd represents the jobs results command
var jobsResultsCmd = &cobra.Command{
	Use:   "results <operation-id>",
	Short: "Show per-task results of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResults,
}

// jobsCancelCmd represents the jobs cancel command
var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsPlanCmd)
	jobsCmd.AddCommand(jobsResultsCmd)
	jobsCmd.AddCommand(jobsCancelCmd)

	jobsSubmitCmd.Flags().StringVar(&jobType, "type", "", "job type")
	jobsSubmitCmd.Flags().StringSliceVar(&jobParams, "param", nil, "job parameter as key=value (repeatable)")
	jobsSubmitCmd.Flags().StringVar(&jobPayload, "payload", "", "path of a file to attach as the job payload")
	jobsSubmitCmd.Flags().IntVar(&jobPriority, "priority", 0, "job priority (higher runs first)")
	jobsSubmitCmd.Flags().DurationVar(&jobWait, "wait", 0, "poll until the job reaches a terminal status, up to this long")
	jobsSubmitCmd.MarkFlagRequired("type")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	params := make(map[string]interface{}, len(jobParams))
	for _, p := range jobParams {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("invalid parameter %q, expected key=value", p)
		}
		params[key] = value
	}

	var payload []byte
	if jobPayload != "" {
		data, err := os.ReadFile(jobPayload)
		if err != nil {
			return fmt.Errorf("failed to read payload %s: %w", jobPayload, err)
		}
		payload = data
	}

	c := newClient()
	accepted, err := c.SubmitJob(&client.JobRequest{
		Type:       models.JobType(jobType),
		Parameters: params,
		Payload:    payload,
		Priority:   jobPriority,
	})
	if err != nil {
		return err
	}

	if jobWait > 0 {
		info, err := c.WaitOperation(accepted.OperationID, jobWait)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(info)
		}
		printOperation(info)
		return nil
	}

	if IsJSONOutput() {
		return printJSON(accepted)
	}
	fmt.Printf("Accepted as operation %s\n", accepted.OperationID)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	info, err := newClient().JobStatus(args[0])
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(info)
	}
	printOperation(info)
	return nil
}

func printOperation(info *models.OperationInfo) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append("Operation", info.ID)
	table.Append("Kind", string(info.Kind))
	table.Append("Status", string(info.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", info.Progress))
	table.Append("Started", formatAge(info.StartedAt))
	if info.CompletedAt != nil {
		table.Append("Completed", formatAge(*info.CompletedAt))
	}
	if info.SizeBytes > 0 {
		table.Append("Size", formatBytes(info.SizeBytes))
	}
	if info.Error != "" {
		table.Append("Error", info.Error)
	}
	table.Render()
}

func runJobsPlan(cmd *cobra.Command, args []string) error {
	plan, err := newClient().JobPlan(args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(plan)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Node", "Level")
	level := make(map[string]int, len(plan.Assignments))
	for i, tasks := range plan.ExecutionLevels {
		for _, id := range tasks {
			level[id] = i
		}
	}
	for _, tasks := range plan.ExecutionLevels {
		for _, id := range tasks {
			table.Append(id, plan.Assignments[id], fmt.Sprintf("%d", level[id]))
		}
	}
	table.Render()
	fmt.Printf("\nEstimated execution: %dms, aggregation: %s\n",
		plan.EstimatedExecutionMs, plan.AggregationStrategy)
	return nil
}

func runJobsResults(cmd *cobra.Command, args []string) error {
	results, err := newClient().JobResults(args[0])
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(results)
	}

	if len(results) == 0 {
		fmt.Println("No results yet")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Node", "Success", "Duration", "Error")
	for _, r := range results {
		success := "no"
		if r.Success {
			success = "yes"
		}
		table.Append(r.TaskID, r.NodeID, success, fmt.Sprintf("%dms", r.DurationMs), r.Error)
	}
	table.Render()
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	canceled, err := newClient().CancelJob(args[0])
	if err != nil {
		return err
	}
	if !canceled {
		return fmt.Errorf("operation %s had already finished", args[0])
	}
	fmt.Printf("Canceled %s\n", args[0])
	return nil
}
