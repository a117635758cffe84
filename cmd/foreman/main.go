package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasklab/foreman/pkg/config"
	"github.com/tasklab/foreman/pkg/log"
	"github.com/tasklab/foreman/pkg/manager"
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
	Use:   "foreman",
	Short: "Foreman - task decomposition and agent orchestration server",
	Long: `Foreman turns coarse development tasks into atomic units of work,
assigns them to registered worker agents over HTTP, WebSocket, SSE or
stdio, and tracks every execution from dispatch to result pickup.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(configCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Foreman server",
	Long: `Start the server with every transport enabled in configuration.

The process runs in the foreground until interrupted. Configuration is
read from the file given with --config, merged over built-in defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})

		fmt.Println("Starting Foreman...")
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  Storage: %s\n", cfg.Storage.Backend)
		if cfg.Transport.HTTP.Enabled {
			fmt.Printf("  HTTP: :%d\n", cfg.Transport.HTTP.Port)
		}
		if cfg.Transport.WebSocket.Enabled {
			fmt.Printf("  WebSocket: :%d%s\n", cfg.Transport.WebSocket.Port, cfg.Transport.WebSocket.Path)
		}
		fmt.Println()

		m, err := manager.New(cfg, nil)
		if err != nil {
			return fmt.Errorf("failed to build server: %v", err)
		}
		if err := m.Start(); err != nil {
			return fmt.Errorf("failed to start server: %v", err)
		}
		fmt.Println("✓ Foreman started")
		fmt.Println()
		fmt.Println("Server is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.Stop(ctx); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running Foreman server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
		if err != nil {
			return fmt.Errorf("server unreachable at %s: %v", addr, err)
		}
		defer resp.Body.Close()

		var health struct {
			Status string `json:"status"`
			Uptime string `json:"uptime"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("failed to parse health response: %v", err)
		}

		fmt.Printf("Status: %s\n", health.Status)
		fmt.Printf("Uptime: %s\n", health.Uptime)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running Foreman server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")

		req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/admin/shutdown", addr), nil)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("server unreachable at %s: %v", addr, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("shutdown refused with status %d", resp.StatusCode)
		}

		fmt.Println("✓ Shutdown requested")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		fmt.Println(cfg.String())
		return nil
	},
}

func init() {
	startCmd.Flags().String("config", "", "Path to the configuration file")
	startCmd.Flags().String("data-dir", "", "Override the data directory")
	statusCmd.Flags().String("addr", "localhost:3001", "Address of the running server")
	stopCmd.Flags().String("addr", "localhost:3001", "Address of the running server")
	stopCmd.Flags().String("token", "", "Admin bearer token")
	configCmd.Flags().String("config", "", "Path to the configuration file")
}
