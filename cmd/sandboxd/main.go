// ABOUTME: Entry point for the sandboxd server and its client subcommands
// ABOUTME: Handles serve, init, health, instances and events commands

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/sandboxd/internal/config"
	"github.com/2389/sandboxd/internal/server"
	"github.com/2389/sandboxd/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
                     _ _                  _
  ___  __ _ _ __   __| | |__   _____  ____| |
 / __|/ _' | '_ \ / _' | '_ \ / _ \ \/ / _' |
 \__ \ (_| | | | | (_| | |_) | (_) >  < (_| |
 |___/\__,_|_| |_|\__,_|_.__/ \___/_/\_\__,_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: sandboxd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve       Start the sandbox server")
		fmt.Println("  init        Create a new config file interactively")
		fmt.Println("  health      Check server health")
		fmt.Println("  instances   Show running instance and terminal counts")
		fmt.Println("  events      List recent instance lifecycle events")
		fmt.Println("  version     Print the version")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		// The shutdown coordinator owns SIGINT/SIGTERM while serving.
		err = runServe(context.Background())
	case "init":
		err = runInit()
	case "version":
		fmt.Println(version)
	default:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		switch os.Args[1] {
		case "health":
			err = runHealth(ctx)
		case "instances":
			err = runInstances(ctx)
		case "events":
			err = runEvents(ctx, os.Args[2:])
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
			os.Exit(1)
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Workspaces: %s\n", cfg.Instances.WorkspaceRoot)
	green.Print("    ▶ ")
	fmt.Printf("Worker:     %s\n", strings.Join(cfg.Instances.WorkerCommand, " "))
	if cfg.Database.Path == "" {
		gray.Println("    (instance ledger disabled)")
	}
	fmt.Println()

	logger.Info("starting sandboxd",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"workspace_root", cfg.Instances.WorkspaceRoot,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	go srv.Shutdown().ListenForSignals(ctx, syscall.SIGINT, syscall.SIGTERM)

	return srv.Run(ctx)
}

func loadClientConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}

	resp, err := get(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runInstances(ctx context.Context) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}

	resp, err := get(ctx, fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("instances check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runEvents reads the instance ledger directly, so it works while the
// server is down.
func runEvents(ctx context.Context, args []string) error {
	cfg, err := loadClientConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("instance ledger is disabled (database.path is empty)")
	}

	filter := store.InstanceEventFilter{Limit: 50}
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "--tenant="):
			key := strings.TrimPrefix(a, "--tenant=")
			filter.TenantKey = &key
		case strings.HasPrefix(a, "--action="):
			action := store.InstanceAction(strings.TrimPrefix(a, "--action="))
			filter.Action = &action
		case strings.HasPrefix(a, "--since="):
			d, err := time.ParseDuration(strings.TrimPrefix(a, "--since="))
			if err != nil {
				return fmt.Errorf("parsing --since: %w", err)
			}
			since := time.Now().Add(-d)
			filter.Since = &since
		default:
			return fmt.Errorf("unknown flag %q (want --tenant=, --action= or --since=)", a)
		}
	}

	ledger, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	events, err := ledger.ListInstanceEvents(ctx, filter)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack)
	for _, e := range events {
		gray.Print(e.Timestamp.Local().Format("2006-01-02 15:04:05") + " ")
		fmt.Printf("%-12s %s", e.Action, e.TenantKey)
		if e.Address != "" {
			gray.Printf(" %s", e.Address)
		}
		fmt.Println()
	}
	if len(events) == 0 {
		fmt.Println("no events")
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("sandboxd configuration setup")
	fmt.Println("============================")
	fmt.Println()

	defaults := config.Default()

	outputFile := prompt(reader, "Config file path", config.Path())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", defaults.Server.HTTPAddr)

	fmt.Println("\n--- Instance Configuration ---")
	workerCmd := prompt(reader, "Worker command", strings.Join(defaults.Instances.WorkerCommand, " "))
	bridgeCmd := prompt(reader, "Bridge command", strings.Join(defaults.Instances.BridgeCommand, " "))
	workspaceRoot := prompt(reader, "Workspace root", defaults.Instances.WorkspaceRoot)
	dataRoot := prompt(reader, "Instance data root", defaults.Instances.DataRoot)
	idleTimeout := prompt(reader, "Idle timeout (empty disables reaping)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "Ledger database path (empty disables)", defaults.Database.Path)

	fmt.Println("\n--- Provider Configuration ---")
	modelID := prompt(reader, "Default model id", defaults.Provider.ModelID)

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# sandboxd configuration\n")
	cfg.WriteString("# Generated by sandboxd init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("instances:\n")
	cfg.WriteString(fmt.Sprintf("  worker_command: %s\n", yamlList(workerCmd)))
	cfg.WriteString(fmt.Sprintf("  bridge_command: %s\n", yamlList(bridgeCmd)))
	cfg.WriteString(fmt.Sprintf("  workspace_root: %q\n", workspaceRoot))
	cfg.WriteString(fmt.Sprintf("  data_root: %q\n", dataRoot))
	if idleTimeout != "" {
		cfg.WriteString(fmt.Sprintf("  idle_timeout: %q\n", idleTimeout))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString("  openrouter_api_key: \"${OPENROUTER_API_KEY}\"\n")
	cfg.WriteString(fmt.Sprintf("  model_id: %q\n", modelID))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  sandboxd serve\n")

	return nil
}

// yamlList renders a space separated command as a flow sequence.
func yamlList(s string) string {
	fields := strings.Fields(s)
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
