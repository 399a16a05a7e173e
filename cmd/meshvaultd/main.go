// meshvaultd is the mesh storage daemon. It stores and replicates blobs,
// schedules compute jobs across peers, and serves the control API that
// mvctl talks to.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"meshvault/pkg/api"
	"meshvault/pkg/auth"
	"meshvault/pkg/catalog"
	"meshvault/pkg/config"
	"meshvault/pkg/coordinator"
	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/metrics"
	"meshvault/pkg/ratelimit"
	"meshvault/pkg/scheduler"
	"meshvault/pkg/shutdown"
	"meshvault/pkg/storage"
	"meshvault/pkg/tracing"
	"meshvault/pkg/trust"
)

// version is overridden at build time via -ldflags.
var version = "0.1.0"

var (
	cfgFile    string
	nodeID     string
	listenAddr string
	dataDir    string
	natsURL    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "meshvaultd",
	Short: "Mesh storage and compute daemon",
	Long: `meshvaultd stores and replicates files across a mesh of peer nodes,
schedules compute jobs onto the best-placed peers, and exposes a REST
API for clients. Flags override the corresponding config file settings.`,
	RunE:          runDaemon,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key and its bcrypt hash",
	Long: `Generate a fresh API key. Give the key to clients and put the hash
into api.api_key_hashes in the daemon config. The daemon never sees
the plain key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return fmt.Errorf("failed to generate API key: %w", err)
		}
		fmt.Printf("API key (give to clients):  %s\n", key)
		fmt.Printf("Hash (for api_key_hashes):  %s\n", hash)
		return nil
	},
}

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "Print a documented example configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(config.ExampleConfig)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meshvaultd %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the YAML config file")
	rootCmd.Flags().StringVar(&nodeID, "node-id", "", "mesh identity of this node (default: hostname)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "API listen address (default :8440)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "blob storage directory")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "mesh broker URL")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(printConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	if listenAddr != "" {
		cfg.API.ListenAddr = listenAddr
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if natsURL != "" {
		cfg.Mesh.URL = natsURL
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting meshvaultd",
		logging.String("version", version),
		logging.String("node_id", cfg.NodeID),
		logging.String("data_dir", cfg.Storage.DataDir),
		logging.String("mesh_url", cfg.Mesh.URL))

	m := metrics.New()

	tracer, err := tracing.Init(cfg.Tracing, "meshvaultd", version, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	cat, err := catalog.New(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}

	registry := mesh.NewRegistry(cfg.Mesh.PeerTTL)
	transport, err := mesh.NewNATSTransport(cfg.NodeID, cfg.Mesh, registry, log)
	if err != nil {
		cat.Close()
		return fmt.Errorf("failed to join mesh: %w", err)
	}

	agent, err := storage.NewAgent(cfg.NodeID, cfg.Storage, cat, transport, m, log)
	if err != nil {
		transport.Close()
		cat.Close()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	var authorizer trust.Authorizer = trust.AllowAll{}
	if len(cfg.BlockedPeers) > 0 {
		authorizer = trust.NewDenyList(cfg.BlockedPeers...)
		log.Info("peer deny list active", logging.Int("blocked", len(cfg.BlockedPeers)))
	}
	inbound := mesh.NewService(cfg.NodeID, transport, registry, agent, authorizer,
		ratelimit.NewLimiter(cfg.Mesh.InboundRPS, cfg.Mesh.InboundBurst), log)
	if err := inbound.Start(); err != nil {
		transport.Close()
		cat.Close()
		return fmt.Errorf("failed to start mesh service: %w", err)
	}

	sched := scheduler.New(cfg.NodeID, registry, transport, m, log)
	coord := coordinator.New(cfg.NodeID, cfg.Coordinator, agent, sched, transport, registry, m, tracer, log)
	if err := coord.Start(); err != nil {
		inbound.Stop()
		transport.Close()
		cat.Close()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	keyring, err := auth.NewKeyring(cfg.API.APIKeyHashes)
	if err != nil {
		return fmt.Errorf("failed to load API keys: %w", err)
	}
	srv := api.NewServer(cfg.API, coord, keyring, m, tracer, version, log)

	// LIFO: the API goes down first, the tracer flushes last.
	mgr := shutdown.New(30*time.Second, log)
	mgr.Register("tracing", tracer.Shutdown)
	mgr.Register("catalog", shutdown.CloseResource(cat))
	mgr.Register("mesh transport", shutdown.CloseResource(transport))
	mgr.Register("mesh service", func(ctx context.Context) error {
		inbound.Stop()
		return nil
	})
	mgr.Register("coordinator", func(ctx context.Context) error {
		return coord.Stop()
	})
	mgr.Register("api server", shutdown.StopHTTPServer(srv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("API server failed", logging.Error(err))
			cancel()
		}
	}()

	log.Info("meshvaultd ready", logging.String("listen", cfg.API.ListenAddr))
	if err := mgr.Wait(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
