package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flotilla-io/flotilla/pkg/api"
	"github.com/flotilla-io/flotilla/pkg/client"
	"github.com/flotilla-io/flotilla/pkg/log"
	"github.com/flotilla-io/flotilla/pkg/manager"
	"github.com/flotilla-io/flotilla/pkg/store"
	"github.com/flotilla-io/flotilla/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 normal shutdown, 1 fatal configuration error, 2
// coordination store unreachable after the configured retries.
const (
	exitOK          = 0
	exitConfig      = 1
	exitUnreachable = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, store.ErrUnreachable) {
			os.Exit(exitUnreachable)
		}
		os.Exit(exitConfig)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Flotilla - elastic scaling control plane",
	Long: `Flotilla elastically scales fleets of backend instances behind
load balancers in response to live traffic metrics. A pool of manager
processes shares ownership of endpoints through a coordination store;
each owner launches and retires cloud instances, programs the load
balancer and confirms instance addresses as they announce themselves.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Flotilla version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringSlice("store", []string{"127.0.0.1:2181"}, "Coordination store servers")
	rootCmd.PersistentFlags().String("root", store.DefaultRoot, "Coordination store root path")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(managerCmd)
	rootCmd.AddCommand(endpointCmd)
	rootCmd.AddCommand(managersCmd)
	rootCmd.AddCommand(ipCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(authCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// bootstrapConfig is the optional YAML file handed to "manager run". It
// carries process-level settings only; everything tunable at runtime
// lives in the coordination store.
type bootstrapConfig struct {
	Store         []string                   `yaml:"store"`
	Root          string                     `yaml:"root"`
	Listen        string                     `yaml:"listen"`
	LoadBalancers []types.LoadBalancerConfig `yaml:"loadbalancers"`
}

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Manager process commands",
}

var managerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a control-plane manager",
	RunE:  runManager,
}

func init() {
	managerRunCmd.Flags().String("config", "", "Bootstrap YAML config file")
	managerRunCmd.Flags().String("listen", ":8780", "Admin API listen address")
	managerCmd.AddCommand(managerRunCmd)
}

func runManager(cmd *cobra.Command, args []string) error {
	servers, _ := cmd.Flags().GetStringSlice("store")
	root, _ := cmd.Flags().GetString("root")
	listen, _ := cmd.Flags().GetString("listen")

	var bootstrap bootstrapConfig
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &bootstrap); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if len(bootstrap.Store) > 0 {
		servers = bootstrap.Store
	}
	if bootstrap.Root != "" {
		root = bootstrap.Root
	}
	if bootstrap.Listen != "" {
		listen = bootstrap.Listen
	}

	m := manager.New(manager.Config{
		StoreServers:  servers,
		Root:          root,
		LoadBalancers: bootstrap.LoadBalancers,
	})

	// The admin surface runs on its own store session so it survives the
	// manager's session churn.
	adminStore, err := store.Connect(store.DefaultConfig(servers))
	if err != nil {
		return err
	}
	admin := client.New(adminStore, root)
	server := api.NewServer(listen, admin, m.Broker())
	server.Start()
	defer server.Shutdown()
	defer adminStore.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		m.Stop()
		cancel()
	}()

	return m.Run(ctx)
}
