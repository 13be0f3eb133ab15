// Package main runs the WashPoint core as a standalone daemon: local
// store, reachability prober, auto-sync and retention, without a mobile
// embedding. Mobile builds link internal/app directly instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/washpoint/backend/internal/app"
	"github.com/washpoint/backend/internal/config"
	"github.com/washpoint/backend/internal/logging"
	"github.com/washpoint/backend/internal/remote"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("washpointd v%s\n", Version)
		return
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.Load()
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logging.Info("washpointd starting", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
		"remote":   cfg.Remote.BaseURL,
	})

	core, err := app.New(cfg)
	if err != nil {
		logging.Error("Failed to initialize core", err)
		os.Exit(1)
	}

	if cred := os.Getenv("WASHPOINT_CREDENTIAL"); cred != "" {
		core.SetCredential(remote.Credential(cred))
	} else {
		logging.Warn("No credential configured; sync attempts will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logging.Info("washpointd shutting down")
	cancel()
	if err := core.Close(); err != nil {
		logging.Error("Shutdown error", err)
		os.Exit(1)
	}
}
