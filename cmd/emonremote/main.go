// Command emonremote views and serves emoncms feed lists over MQTT.
//
// A viewer ("serve" or "watch") subscribes to its private response topic,
// asks the account's request topic for the feed list every few seconds,
// and shows the latest answer. A responder ("relay") runs next to a local
// emoncms and answers those requests.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/emonremote/internal/buildinfo"
	"github.com/nugget/emonremote/internal/config"
	"github.com/nugget/emonremote/internal/connwatch"
	"github.com/nugget/emonremote/internal/events"
	"github.com/nugget/emonremote/internal/mqtt"
	"github.com/nugget/emonremote/internal/poller"
	"github.com/nugget/emonremote/internal/relay"
	"github.com/nugget/emonremote/internal/session"
	"github.com/nugget/emonremote/internal/web"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. All OS-level dependencies are injected:
// ctx bounds the process lifetime, stdout and stderr receive output, and
// args is os.Args[1:]. Arguments are parsed by hand so run can be called
// concurrently from tests without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
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
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
		return runServe(ctx, stdout, configPath)
	case "watch":
		return runWatch(ctx, stdout, stderr, configPath, outputFmt)
	case "relay":
		return runRelay(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "emonremote - remote emoncms feed viewer over MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: emonremote [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll the feed list and serve it as a web page")
	fmt.Fprintln(w, "  watch        Poll the feed list and print it to the terminal")
	fmt.Fprintln(w, "  relay        Answer feed requests from a local emoncms")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the YAML configuration file. Returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// loadWithLogger loads the config and builds the logger it describes.
func loadWithLogger(logOut io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(logOut, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded", "path", cfgPath, "version", buildinfo.Version)
	return cfg, logger, nil
}

// newPoller builds a feed poller that dials through link.
func newPoller(cfg *config.Config, link *brokerLink, bus *events.Bus, logger *slog.Logger) *poller.Controller {
	return poller.New(poller.Config{
		Connector: poller.ConnectorFunc(func(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (poller.Conn, error) {
			c, err := link.dial(ctx, opts, h)
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
		NewID:            session.RandomID(cfg.MQTT.ClientPrefix),
		Path:             cfg.Poller.Path,
		Interval:         cfg.Poller.Interval(),
		SubscribeTimeout: cfg.Poller.SubscribeTimeout(),
		Bus:              bus,
		Logger:           logger,
	})
}

// runServe polls the feed list and serves the web view until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadWithLogger(stdout, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	link := newBrokerLink(mqtt.NewDialer(cfg.MQTT, logger))
	ctrl := newPoller(cfg, link, bus, logger)

	if err := ctrl.Start(ctx, cfg.Session); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer ctrl.Stop()

	watchers := connwatch.NewManager(logger)
	defer watchers.Stop()
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:  "mqtt",
		Probe: link.probe,
	})

	ws := web.NewWebServer(web.Config{
		SnapshotFunc: ctrl.Snapshot,
		StateFunc:    func() string { return ctrl.State().String() },
		HealthFunc:   watchers.Status,
		ReadyFunc:    watchers.Ready,
		Bus:          bus,
		PollInterval: cfg.Poller.Interval(),
		Logger:       logger,
	})

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port)),
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("web view listening",
		"address", server.Addr,
		"client_id", ctrl.ClientID(),
		"response_topic", ctrl.ResponseTopic(),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	stats := ctrl.Stats()
	logger.Info("emonremote stopped",
		"requests", stats.Requests,
		"responses", stats.Responses,
		"rejected", stats.Rejected,
		"stale", stats.Stale,
		"dropped", stats.Dropped,
	)
	return nil
}

// runRelay answers feed requests from the configured emoncms until a
// shutdown signal arrives.
func runRelay(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadWithLogger(stdout, configPath)
	if err != nil {
		return err
	}
	if !cfg.Relay.Configured() {
		return errors.New("relay: relay.apikey is required")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	link := newBrokerLink(mqtt.NewDialer(cfg.MQTT, logger))

	r, err := relay.New(relay.Config{
		Connector: relay.ConnectorFunc(func(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (relay.Conn, error) {
			c, err := link.dial(ctx, opts, h)
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
		NewID:            session.RandomID(cfg.MQTT.ClientPrefix + "relay_"),
		EmoncmsURL:       cfg.Relay.EmoncmsURL,
		APIKey:           cfg.Relay.APIKey,
		AllowedPaths:     cfg.Relay.AllowedPaths,
		Workers:          cfg.Relay.Workers,
		QueueSize:        cfg.Relay.QueueSize,
		Timeout:          cfg.Relay.Timeout(),
		SubscribeTimeout: cfg.Poller.SubscribeTimeout(),
		Bus:              bus,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	if err := r.Start(ctx, cfg.Session); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	watchers := connwatch.NewManager(logger)
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:  "mqtt",
		Probe: link.probe,
	})
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:  "emoncms",
		Probe: emoncmsProbe(cfg.Relay.EmoncmsURL),
		OnDown: func(err error) {
			logger.Warn("emoncms unreachable, requests will fail", "error", err)
		},
	})

	logger.Info("relay serving", "request_topic", r.RequestTopic())
	<-ctx.Done()
	logger.Info("shutdown signal received")

	watchers.Stop()
	r.Stop()

	stats := r.Stats()
	logger.Info("relay totals",
		"received", stats.Received,
		"relayed", stats.Relayed,
		"rejected", stats.Rejected,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	return nil
}
