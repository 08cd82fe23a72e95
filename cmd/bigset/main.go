package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/bigset/pkg/config"
	"github.com/cuemby/bigset/pkg/log"
	"github.com/cuemby/bigset/pkg/metrics"
	"github.com/cuemby/bigset/pkg/node"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bigset",
	Short: "Bigset - replicated eventually-consistent set store",
	Long: `Bigset is a replicated key-set store built on an add-wins
observed-remove set CRDT. Every node holds a full copy of every set;
clients connect to any node, and updates converge across the cluster
without coordination.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bigset version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a bigset node",
	Long: `Run a bigset node: the client command endpoint, the replication
endpoint, and the storage engine, configured from a YAML file.

Example:
  bigset server --config node1.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		n, err := node.New(cfg)
		if err != nil {
			return err
		}

		if err := n.Start(); err != nil {
			return err
		}
		metrics.SetVersion(Version)

		log.Info("node started")

		// Wait for shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		n.Stop()
		return nil
	},
}

func init() {
	serverCmd.Flags().StringP("config", "c", "config.yaml", "Path to the node configuration file")
}
