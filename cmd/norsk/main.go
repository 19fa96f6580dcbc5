// Norsk is a conversational Norwegian tutor reachable over Telegram,
// Signal and a local HTTP API.
//
// It answers learner messages through a language model, keeps a
// per-learner profile (explanation language, vocabulary, level) and
// pushes short lessons to every learner at scheduled times of day.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	norsk serve                 Start the tutor
//	norsk init [dir]            Write an example config
//	norsk ask <user> <text>     Run one tutoring turn locally
//	norsk sweep [url]           Trigger a lesson sweep on a running server
//	norsk version               Print version and build information
//	norsk -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/norsk-tutor/internal/buildinfo"
	"github.com/nugget/norsk-tutor/internal/config"
	"github.com/nugget/norsk-tutor/internal/defaults"
	"github.com/nugget/norsk-tutor/internal/httpkit"
	"github.com/nugget/norsk-tutor/internal/scheduler"
	"github.com/nugget/norsk-tutor/internal/transport"
)

// cliChannel is the user id channel for learners driven from the
// command line.
const cliChannel = "cli"

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run] so the whole lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the norsk command. Structured logs
// go to stdout; fatal errors are returned to the caller. Arguments are
// parsed by hand because the flag package's globals get in the way of
// calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it, including
			// learner text that starts with a dash.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: norsk ask <user> <text>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "sweep":
		baseURL := ""
		if len(cmdArgs) > 0 {
			baseURL = cmdArgs[0]
		}
		return runSweep(ctx, stdout, configPath, outputFmt, baseURL)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range buildinfo.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f.Key+":", f.Value)
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Norsk - Norwegian tutor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: norsk [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the tutor (transports, scheduler, API)")
	fmt.Fprintln(w, "  init [dir]         Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <user> <text>  Run one tutoring turn against the local database")
	fmt.Fprintln(w, "  sweep [url]        Trigger a lesson sweep on a running server")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/norsk/config.yaml, /etc/norsk/config.yaml")
	return nil
}

// runInit writes the example config into dir. An existing config.yaml
// is left alone.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(path, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "Wrote %s\n", path)
	} else {
		fmt.Fprintf(w, "Kept existing %s\n", path)
	}
	fmt.Fprintln(w, "Set TELEGRAM_TOKEN and OPENAI_API_KEY (or edit the file), then run: norsk serve")
	return nil
}

func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// runAsk runs a single reactive turn against the configured model and
// the local profile database, then prints the reply. A bare user id
// is placed on the "cli" channel.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt, user, text string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}

	app, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	userID := user
	if _, _, ok := transport.SplitUserID(user); !ok {
		userID = transport.UserID(cliChannel, user)
	}

	reply, err := app.tutor.HandleInbound(ctx, userID, text)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]string{"user_id": userID, "reply": reply})
	}
	fmt.Fprintln(stdout, reply)
	return nil
}

// runSweep asks a running server to fire a lesson sweep now and
// reports the outcome.
func runSweep(ctx context.Context, stdout io.Writer, configPath, outputFmt, baseURL string) error {
	if baseURL == "" {
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if !cfg.Listen.Enabled() {
			return fmt.Errorf("sweep: admin API disabled in config; pass the server URL")
		}
		host := cfg.Listen.Address
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		baseURL = "http://" + host + ":" + strconv.Itoa(cfg.Listen.Port)
	}

	client := httpkit.NewClient(httpkit.WithTimeout(10 * time.Minute))
	var sw scheduler.Sweep
	err := httpkit.DoJSON(ctx, client, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/v1/sweeps", nil, nil, &sw)
	var se *httpkit.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
		return fmt.Errorf("sweep: another sweep is already running")
	}
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sw)
	}
	fmt.Fprintf(stdout, "sweep %s %s: %d learners, %d delivered, %d failed\n",
		sw.ID, sw.Status, sw.Users, sw.Delivered, sw.Failed)
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then drains the API server, the transports and any running
// sweep before returning.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting Norsk", append(buildinfo.LogAttrs(), "config", cfgPath)...)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.start(ctx); err != nil {
		return err
	}

	serveErr := app.serve(ctx)
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	app.shutdown(shutdownCtx)

	if serveErr != nil {
		return serveErr
	}
	logger.Info("Norsk stopped")
	return nil
}

// loadConfig locates, parses and validates the YAML configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
