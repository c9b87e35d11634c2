// Package main is the entry point for the integration manager
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/developer-mesh/integration-manager/internal/config"
	"github.com/developer-mesh/integration-manager/internal/manager"
	"github.com/developer-mesh/integration-manager/pkg/observability"
)

var (
	// Version information (set via ldflags during build)
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("Integration Manager\nVersion: %s\nBuild Time: %s\nGit Commit: %s\n",
			version, buildTime, gitCommit)
		return 0
	}

	bootLogger := observability.NewStandardLogger("integration-manager")

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("Failed to load configuration", map[string]interface{}{
			"path":  *configPath,
			"error": err.Error(),
		})
		return 1
	}

	levels := observability.NewLevels(cfg.Log.Level)
	logger, err := observability.NewLogger(cfg.Log, levels)
	if err != nil {
		bootLogger.Error("Failed to create logger", map[string]interface{}{"error": err.Error()})
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting integration manager", map[string]interface{}{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"adapter":    cfg.Boot.Modules.SkeletonImplementation,
	})

	m, err := manager.New(cfg, logger, levels)
	if err != nil {
		logger.Error("Failed to initialise manager", map[string]interface{}{"error": err.Error()})
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil {
		logger.Error("Integration manager failed", map[string]interface{}{"error": err.Error()})
		return 1
	}

	logger.Info("Shutdown complete", nil)
	return 0
}
