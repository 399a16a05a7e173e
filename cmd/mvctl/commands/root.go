package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"meshvault/pkg/client"
)

var (
	cfgFile      string
	daemonURL    string
	apiKey       string
	outputFormat string
	timeout      time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mvctl",
	Short: "CLI for the meshvault daemon",
	Long: `mvctl is a command line interface for a meshvault daemon: stored files,
shared-with-me entries, compute jobs, mesh peers, and service metrics.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mvctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", "", "daemon API URL (default from config or http://localhost:8440)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key sent as a bearer token")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "per-request timeout")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".mvctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("daemon_url", "MESHVAULT_DAEMON_URL")
	viper.BindEnv("api_key", "MESHVAULT_API_KEY")

	// Flags win over config file and environment
	viper.ReadInConfig()
	if daemonURL == "" {
		daemonURL = viper.GetString("daemon_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if daemonURL == "" {
		daemonURL = "http://localhost:8440"
	}
}

// newClient builds the daemon client from the resolved configuration
func newClient() *client.Client {
	c := client.NewClient(strings.TrimRight(daemonURL, "/"))
	if apiKey != "" {
		c.SetAPIKey(apiKey)
	}
	c.SetTimeout(timeout)
	return c
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// printJSON writes v as indented JSON to stdout
func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// formatBytes renders a byte count in human units
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatAge renders how long ago t was, coarsely
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh ago", d.Hours())
	default:
		return fmt.Sprintf("%.1fd ago", d.Hours()/24)
	}
}
