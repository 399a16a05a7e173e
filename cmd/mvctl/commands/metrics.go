package commands

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var metricsPrefix string

// metricsCmd represents the metrics command
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Summarize the daemon's Prometheus metrics",
	Long: `Fetch the daemon's /metrics exposition and render a summary table.
Use --prefix "" to include Go runtime and process metrics.`,
	RunE: runMetrics,
}

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().StringVar(&metricsPrefix, "prefix", "meshvault", "only show metric families with this name prefix")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	raw, err := newClient().Metrics()
	if err != nil {
		return err
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse metrics exposition: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if metricsPrefix == "" || strings.HasPrefix(name, metricsPrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		fmt.Printf("No metric families with prefix %q\n", metricsPrefix)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Type", "Value")
	for _, name := range names {
		family := families[name]
		table.Append(name, family.GetType().String(), familyValue(family))
	}
	table.Render()
	return nil
}

// familyValue renders a one-cell summary of a metric family: summed value
// for counters and gauges, count/sum for histograms and summaries.
func familyValue(family *dto.MetricFamily) string {
	var value, sum float64
	var count uint64
	for _, m := range family.GetMetric() {
		switch family.GetType() {
		case dto.MetricType_COUNTER:
			value += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			value += m.GetGauge().GetValue()
		case dto.MetricType_HISTOGRAM:
			count += m.GetHistogram().GetSampleCount()
			sum += m.GetHistogram().GetSampleSum()
		case dto.MetricType_SUMMARY:
			count += m.GetSummary().GetSampleCount()
			sum += m.GetSummary().GetSampleSum()
		default:
			value += m.GetUntyped().GetValue()
		}
	}
	switch family.GetType() {
	case dto.MetricType_HISTOGRAM, dto.MetricType_SUMMARY:
		return fmt.Sprintf("count=%d sum=%.2f", count, sum)
	default:
		return fmt.Sprintf("%g", value)
	}
}
