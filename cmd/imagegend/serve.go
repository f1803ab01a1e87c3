package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/imagegend/pkg/config"
	"github.com/cuemby/imagegend/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the image generation backend",
	Long: `Run the backend: HTTP API, worker pool, and local gallery storage.

The working directory holds the database, generated images, and an
optional config.yaml (written with defaults on first boot). Flags
override file and environment settings.

With --parent-monitor the process shuts down gracefully when stdin
closes, which is how desktop shells stop the backend they spawned.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("work-dir", "", "Working directory for database, images, and config")
	serveCmd.Flags().String("config", "", "Config file path (default <work-dir>/config.yaml)")
	serveCmd.Flags().Int("port", 0, "HTTP port (scans upward when busy)")
	serveCmd.Flags().Bool("parent-monitor", false, "Shut down when stdin closes")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, _ := cmd.Flags().GetString("work-dir")
	configPath, _ := cmd.Flags().GetString("config")

	if workDir == "" {
		workDir = "."
	}
	if configPath == "" {
		configPath = filepath.Join(workDir, "config.yaml")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	cfg, err := config.LoadOrInit(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("work-dir") {
		cfg.Storage.WorkDir = workDir
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("parent-monitor") {
		cfg.Server.ParentMonitor, _ = cmd.Flags().GetBool("parent-monitor")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := server.New(cfg,
		server.WithVersion(Version),
		server.WithConfigPath(configPath),
	)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	fmt.Printf("✓ Work directory: %s\n", cfg.Storage.WorkDir)
	fmt.Printf("✓ Listening on http://%s%s\n", srv.Addr(), cfg.Server.BasePath)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	// Wait for interrupt signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		cancel()
		if err := <-errCh; err != nil {
			return err
		}
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
