package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/ledger"
)

// RunsCmd inspects the job run ledger
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the job run ledger",
	Long: `List and show job runs.

Examples:
  cascade runs ls                          # Latest 20 runs
  cascade runs ls --job pipeline:posts     # Runs for one collection
  cascade runs ls --status partial_error   # Runs that need attention
  cascade runs show <id> -o yaml           # Full run with steps and metadata`,
}

var runsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List job runs, newest first",
	RunE:    runRunsLs,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one job run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var (
	runsJobName string
	runsStatus  string
	runsLimit   int
	runsOutput  string
)

func init() {
	runsLsCmd.Flags().StringVar(&runsJobName, "job", "", "Filter by job name (e.g. pipeline:posts, sweep)")
	runsLsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status")
	runsLsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs")
	runsShowCmd.Flags().StringVarP(&runsOutput, "output", "o", "table", "Output format: table, json, yaml")

	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsShowCmd)
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	if runsStatus != "" && !ledger.IsValidStatus(runsStatus) {
		return errors.Newf("unknown status %q", runsStatus)
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.ledger.List(cmd.Context(), ledger.ListFilter{
		JobName: runsJobName,
		Status:  ledger.Status(runsStatus),
		Limit:   runsLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		pterm.Info.Println("No job runs found")
		return nil
	}
	return renderRuns(runs)
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.ledger.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if runsOutput != "table" {
		return printStructured(cmd.OutOrStdout(), runsOutput, run)
	}

	rows := [][]string{
		{"ID", run.ID},
		{"Job", run.JobName},
		{"Key", run.IdempotencyKey},
		{"Status", statusColor(run.Status)},
		{"Retry", fmt.Sprint(run.RetryCount)},
		{"Trigger", run.Metadata.TriggerSource},
		{"Request", run.Metadata.RequestID},
		{"Created", run.CreatedAt.Format(time.RFC3339)},
		{"Duration", run.Duration().String()},
	}
	if run.ErrorCode != "" {
		rows = append(rows, []string{"Error", run.ErrorCode + ": " + run.ErrorMessage})
	}
	if err := pterm.DefaultTable.WithData(rows).Render(); err != nil {
		return err
	}
	if len(run.Metadata.Steps) > 0 {
		return renderSteps(run.Metadata.Steps)
	}
	return nil
}

func renderRuns(runs []*ledger.JobRun) error {
	data := [][]string{{"ID", "Job", "Status", "Items", "Failed", "Duration", "Created"}}
	for _, run := range runs {
		c := run.Metadata.Counters
		data = append(data, []string{
			shortID(run.ID),
			run.JobName,
			statusColor(run.Status),
			fmt.Sprint(c.ItemsTotal),
			fmt.Sprint(c.ItemsFailed),
			run.Duration().Round(time.Millisecond).String(),
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderSteps(steps []ledger.Step) error {
	data := [][]string{{"Step", "Status", "Processed", "Skipped", "Failed", "ms", "Error"}}
	for _, s := range steps {
		errText := ""
		if s.ErrorCode != "" {
			errText = s.ErrorCode + ": " + s.ErrorMessage
		}
		data = append(data, []string{
			s.Name,
			string(s.Status),
			fmt.Sprint(s.ItemsProcessed),
			fmt.Sprint(s.ItemsSkipped),
			fmt.Sprint(s.ItemsFailed),
			fmt.Sprint(s.DurationMS),
			errText,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func statusColor(s ledger.Status) string {
	switch s {
	case ledger.StatusSucceeded:
		return pterm.FgGreen.Sprint(s)
	case ledger.StatusPartialError:
		return pterm.FgYellow.Sprint(s)
	case ledger.StatusFailed:
		return pterm.FgRed.Sprint(s)
	default:
		return pterm.FgCyan.Sprint(s)
	}
}

// printStructured writes v as JSON or YAML
func printStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys follow the json tags
		raw, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to encode output")
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return errors.Wrap(err, "failed to encode output")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return errors.Newf("unsupported format: %s (supported: table, json, yaml)", format)
	}
}

// shortID truncates an ID to 8 characters for tables
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
