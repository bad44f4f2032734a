package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/flotilla-io/flotilla/pkg/client"
	"github.com/flotilla-io/flotilla/pkg/store"
	"github.com/flotilla-io/flotilla/pkg/types"
)

// adminClient opens a store session for one CLI invocation
func adminClient(cmd *cobra.Command) (*client.Client, error) {
	servers, _ := cmd.Flags().GetStringSlice("store")
	root, _ := cmd.Flags().GetString("root")

	cfg := store.DefaultConfig(servers)
	cfg.ConnectRetries = 1
	st, err := store.Connect(cfg)
	if err != nil {
		return nil, err
	}
	return client.New(st, root), nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Endpoint management commands",
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		names, err := admin.EndpointList()
		if err != nil {
			return err
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var endpointGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show an endpoint's configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		cfg, err := admin.EndpointConfig(args[0])
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

var endpointApplyCmd = &cobra.Command{
	Use:   "apply <name>",
	Short: "Create or update an endpoint from a JSON config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		cfg, err := types.ParseEndpointConfig(data)
		if err != nil {
			return err
		}

		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		if err := admin.EndpointManage(args[0], cfg); err != nil {
			return err
		}
		fmt.Printf("Endpoint %s applied\n", args[0])
		return nil
	},
}

var endpointDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove an endpoint and all its state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()
		return admin.EndpointUnmanage(args[0])
	},
}

var endpointStateCmd = &cobra.Command{
	Use:   "state <name> [default|running|stopped|paused]",
	Short: "Show or set an endpoint's state",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		if len(args) == 2 {
			return admin.SetEndpointState(args[0], types.EndpointState(args[1]))
		}
		state, err := admin.EndpointState(args[0])
		if err != nil {
			return err
		}
		fmt.Println(state)
		return nil
	},
}

var endpointMetricsCmd = &cobra.Command{
	Use:   "metrics <name>",
	Short: "Show an endpoint's live metric vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		samples, err := admin.EndpointMetrics(args[0])
		if err != nil {
			return err
		}
		return printJSON(samples)
	},
}

var endpointIPsCmd = &cobra.Command{
	Use:   "ips <name>",
	Short: "Show an endpoint's confirmed and static addresses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		addrs, err := admin.EndpointIPs(args[0])
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			fmt.Println(addr)
		}
		return nil
	},
}

var endpointLogCmd = &cobra.Command{
	Use:   "log <name>",
	Short: "Show an endpoint's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		lines, err := admin.EndpointLog(args[0])
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	endpointApplyCmd.Flags().StringP("file", "f", "", "JSON config file")
	endpointApplyCmd.MarkFlagRequired("file")

	endpointCmd.AddCommand(endpointListCmd)
	endpointCmd.AddCommand(endpointGetCmd)
	endpointCmd.AddCommand(endpointApplyCmd)
	endpointCmd.AddCommand(endpointDeleteCmd)
	endpointCmd.AddCommand(endpointStateCmd)
	endpointCmd.AddCommand(endpointMetricsCmd)
	endpointCmd.AddCommand(endpointIPsCmd)
	endpointCmd.AddCommand(endpointLogCmd)
}

var managersCmd = &cobra.Command{
	Use:   "managers",
	Short: "Manager inspection commands",
}

var managersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active managers",
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		managers, err := admin.ManagersActive()
		if err != nil {
			return err
		}
		return printJSON(managers)
	},
}

var managersConfigCmd = &cobra.Command{
	Use:   "config <uuid> [file.json]",
	Short: "Show or set a manager's override configuration",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		if len(args) == 2 {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var cfg types.ManagerConfig
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to parse manager config: %w", err)
			}
			return admin.SetManagerConfig(args[0], cfg)
		}

		cfg, err := admin.ManagerConfig(args[0])
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

var managersResetCmd = &cobra.Command{
	Use:   "reset <uuid>",
	Short: "Remove a manager's override configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()
		return admin.ResetManagerConfig(args[0])
	},
}

func init() {
	managersCmd.AddCommand(managersListCmd)
	managersCmd.AddCommand(managersConfigCmd)
	managersCmd.AddCommand(managersResetCmd)
}

var ipCmd = &cobra.Command{
	Use:   "ip",
	Short: "Address lifecycle commands",
}

var ipRecordCmd = &cobra.Command{
	Use:   "record <ip>",
	Short: "Announce an address for confirmation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()
		return admin.RecordIP(args[0])
	},
}

var ipDropCmd = &cobra.Command{
	Use:   "drop <ip>",
	Short: "Queue an address for removal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()
		return admin.DropIP(args[0])
	},
}

func init() {
	ipCmd.AddCommand(ipRecordCmd)
	ipCmd.AddCommand(ipDropCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Sticky session commands",
}

var sessionListCmd = &cobra.Command{
	Use:   "list <endpoint>",
	Short: "List sticky sessions for an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()

		sessions, err := admin.Sessions(args[0])
		if err != nil {
			return err
		}
		return printJSON(sessions)
	},
}

var sessionDropCmd = &cobra.Command{
	Use:   "drop <endpoint> <client>",
	Short: "Drop one sticky session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()
		return admin.DropSession(args[0], args[1])
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionDropCmd)
}

var authCmd = &cobra.Command{
	Use:   "auth set <secret>",
	Short: "Set the shared admin secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "set" {
			return fmt.Errorf("unknown auth subcommand %q", args[0])
		}
		admin, err := adminClient(cmd)
		if err != nil {
			return err
		}
		defer admin.Close()
		return admin.SetAuthSecret(args[1])
	},
}
