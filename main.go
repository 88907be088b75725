// ABOUTME: Entry point for the broadcast MCP server, HTTP API and CLI
// ABOUTME: Loads configuration, wires the app and routes to a subcommand

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/harperreed/broadcast/cli"
	"github.com/harperreed/broadcast/config"
	"go.uber.org/zap"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	configPath := flag.String("config", "", "Config file (default: $XDG_CONFIG_HOME/broadcast/config.json)")
	envFile := flag.String("env-file", ".env", "Environment file to load before reading config")
	backend := flag.String("backend", "", "Store backend override: badger, memory or charm")
	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("broadcast version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	command, commandArgs := args[0], args[1:]
	switch command {
	case "mcp", "serve", "crm", "sync":
	case "init":
		if err := initConfig(*configPath); err != nil {
			log.Fatalf("Error: %v", err)
		}
		return
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err := config.LoadEnvFiles(*envFile); err != nil {
		log.Fatalf("Error: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *backend != "" {
		cfg.Store.Backend = *backend
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := config.Open(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open app", zap.Error(err))
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, app, command, commandArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		_ = app.Close()
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, app *config.App, command string, args []string) error {
	switch command {
	case "mcp":
		return cli.MCPCommand(ctx, app, version)
	case "serve":
		return cli.ServeCommand(ctx, app, args)
	case "crm":
		return cli.CRMCommand(ctx, app, os.Stdout, args)
	case "sync":
		return cli.SyncCommand(app, os.Stdout, args)
	}
	return nil
}

func initConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if path == "" {
		path = config.Path()
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("✓ Config written to %s\n", path)
	return nil
}

func printUsage() {
	fmt.Println(`broadcast - multi-tenant contact lists, bulk imports and campaign fan-out

Usage:
  broadcast [flags] <command> [args]

Commands:
  init              Write the current configuration to the config file
  mcp               Start the MCP server on stdio
  serve [--addr]    Start the JSON HTTP API
  crm <command>     Contact, member, list, import and campaign commands
  sync <command>    Charm Cloud sync: status, now, auto, wipe

Flags:
  --version         Show version and exit
  --config FILE     Config file path
  --env-file FILE   Environment file (default .env)
  --backend NAME    Store backend override: badger, memory or charm

Run 'broadcast crm' for the list of crm commands.`)
}
