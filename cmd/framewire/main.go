package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/framewire/internal/admin"
	"github.com/mattjoyce/framewire/internal/codec"
	"github.com/mattjoyce/framewire/internal/config"
	"github.com/mattjoyce/framewire/internal/dispatch"
	"github.com/mattjoyce/framewire/internal/log"
	"github.com/mattjoyce/framewire/internal/server"
	"github.com/mattjoyce/framewire/internal/timer"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "version":
		fmt.Printf("framewire version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`framewire - framed byte-stream transport server

Usage:
  framewire <command> [flags]

Commands:
  start     Start the frame server in foreground
  version   Show version information
  help      Show this help message

Start flags:
  -config <path>   Path to YAML configuration file (optional)
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("framewire starting", "version", version, "listen", cfg.Service.Listen)

	tm := timer.New()
	defer tm.Close()

	// The built-in service echoes every frame back. Embedders replace
	// this with their own factory; see internal/dispatch.Service.
	echo := func() dispatch.Service {
		return dispatch.ServiceFunc(func(ctx context.Context, item dispatch.Item) ([]byte, error) {
			if item.Kind == dispatch.KindFrame {
				return item.Frame, nil
			}
			return nil, nil
		})
	}

	c := codec.NewChecksumCodec(cfg.Transport.MaxFrameSize)
	srv := server.New(cfg, c, echo, tm, log.WithComponent("server"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := srv.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	if cfg.Admin.Enabled {
		adminServer := admin.New(cfg.Admin, srv.Registry(), log.WithComponent("admin"))
		go func() {
			if err := adminServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
		logger.Info("admin API enabled", "listen", cfg.Admin.Listen)
	}

	logger.Info("framewire running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("framewire stopped")
	return 0
}
