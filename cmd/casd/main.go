package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tutorwiseapp/cas/internal/config"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe(args)
	case "check":
		runCheck(args)
	case "reload":
		runReload()
	case "version":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: casd <command> [options]

commands:
  serve     run the daemon and its MCP control surface on stdio (default)
  check     validate the settings file and workflow definitions
            (-diagram ascii|mermaid|svg|png draws each workflow)
  reload    ask a running daemon to reload its settings
  version   print the version`)
}

func settingsFlag(fs *flag.FlagSet) *string {
	return fs.String("settings", config.SettingsPath(), "settings file (YAML or JSON)")
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	path := settingsFlag(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, *path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	path := settingsFlag(fs)
	format := fs.String("diagram", "", "also draw each workflow: ascii, mermaid, svg or png")
	outDir := fs.String("out", ".", "directory for svg and png diagrams")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("settings ok (%s)\n", *path)

	for name, a := range cfg.Agents {
		if _, err := builtinWorker(a.Worker); err != nil {
			fmt.Fprintf(os.Stderr, "agents.%s: %v\n", name, err)
			os.Exit(1)
		}
	}

	if cfg.WorkflowsDir == "" {
		return
	}
	defs, err := loadWorkflows(cfg.WorkflowsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workflows: %v\n", err)
		os.Exit(1)
	}
	failed := false
	for _, def := range defs {
		if err := checkWorkflow(def); err != nil {
			fmt.Fprintf(os.Stderr, "workflow %s: %v\n", def.Name, err)
			failed = true
			continue
		}
		fmt.Printf("workflow %s ok (%d steps)\n", def.Name, len(def.Steps))
		if *format == "" {
			continue
		}
		if err := writeDiagram(context.Background(), def, *format, *outDir, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "workflow %s: %v\n", def.Name, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func runReload() {
	pid, err := signalRunning(syscall.SIGHUP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Signaled running daemon (PID %d) to reload its settings\n", pid)
}
