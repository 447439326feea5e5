// Barcache CLI
// This application downloads crypto OHLCV bars from Alpaca into a local CSV
// cache and reloads, inspects and exports cached ranges.
//
// Usage:
//
//	barcache download --symbol BTC/USD --timeframe 1d --start 2024-01-01 --end 2024-06-30
//	barcache load --symbol BTC/USD --timeframe 1d --start 2024-02-01 --end 2024-02-29
//	barcache gaps --symbol BTC/USD --timeframe 1h
//	barcache ma --symbol BTC/USD --timeframe 1d --windows 50,200
//	barcache export --symbol BTC/USD --timeframe 1d --format parquet
//	barcache watch --symbols BTC/USD,ETH/USD
//
// For detailed help on any command, use: barcache <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/johnayoung/crypto-barcache/internal/cache"
	"github.com/johnayoung/crypto-barcache/internal/catalog"
	"github.com/johnayoung/crypto-barcache/internal/config"
	"github.com/johnayoung/crypto-barcache/internal/export"
	"github.com/johnayoung/crypto-barcache/internal/logger"
	"github.com/johnayoung/crypto-barcache/internal/models"
	"github.com/johnayoung/crypto-barcache/internal/provider"
	"github.com/spf13/cobra"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "barcache"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitProviderError = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

var errConfig = errors.New("configuration error")

// usageError reports invalid command-line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// App holds the global flags and the components built from configuration.
// Provider-backed components are created on first use so commands that fail
// validation never touch the network.
type App struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	envFile    string
	dataDir    string
	logLevel   string
	logFormat  string

	config *config.AppConfig
	logs   *logger.LoggerManager
	logger *slog.Logger

	client  provider.Provider
	catalog *catalog.Catalog
	cache   *cache.BarCache
}

func newApp(stdout, stderr io.Writer) *App {
	return &App{stdout: stdout, stderr: stderr}
}

// main is the entry point for the CLI application
func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes the CLI with args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	defer app.close()

	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)

	switch code {
	case ExitSuccess:
	case ExitInterrupt:
		fmt.Fprintln(stderr, "Interrupted")
	default:
		if app.logger != nil {
			app.logger.ErrorContext(ctx, "command failed", "error", err, "exit_code", code)
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if code == ExitUsageError {
			fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", AppName)
		}
	}
	return code
}

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	var (
		usage   *usageError
		cfgErr  *config.ConfigurationError
		provErr *provider.ProviderError
	)

	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		return ExitInterrupt
	case errors.As(err, &cfgErr), errors.Is(err, errConfig):
		return ExitConfigError
	case errors.As(err, &usage),
		errors.Is(err, cache.ErrUnknownSymbol),
		errors.Is(err, models.ErrUnsupportedTimeframe),
		errors.Is(err, cache.ErrInvalidRange),
		errors.Is(err, export.ErrUnsupportedFormat),
		strings.HasPrefix(err.Error(), "unknown command"):
		return ExitUsageError
	case errors.As(err, &provErr):
		return ExitProviderError
	default:
		return ExitDataError
	}
}

func newRootCmd(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           AppName,
		Short:         "Cache crypto OHLCV bars from Alpaca and reload them by date range",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipsSetup(cmd) {
				return nil
			}
			return app.setup(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&app.configPath, "config", "", "config file (.json, .yaml or .yml)")
	flags.StringVar(&app.envFile, "env-file", ".env", "dotenv file with ALPACA_API_KEY / ALPACA_API_SECRET (empty to skip)")
	flags.StringVar(&app.dataDir, "data-dir", "", "cache base directory (overrides config)")
	flags.StringVar(&app.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&app.logFormat, "log-format", "", "log format: text, json")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})

	root.AddCommand(
		newDownloadCmd(app),
		newLoadCmd(app),
		newAssetCmd(app),
		newSymbolsCmd(app),
		newGapsCmd(app),
		newMACmd(app),
		newExportCmd(app),
		newWatchCmd(app),
	)

	return root
}

// skipsSetup reports whether cmd is a built-in help or completion command.
func skipsSetup(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return true
		}
	}
	return false
}

// setup loads configuration and logging. Credentials are validated here, so
// a missing key fails before any cache operation.
func (a *App) setup(ctx context.Context) error {
	bootstrap := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(a.configPath, bootstrap).
		WithDotEnv(a.envFile).
		LoadConfig(ctx)
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			return err
		}
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	if a.dataDir != "" {
		cfg.Cache.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	a.config = cfg

	var logs *logger.LoggerManager
	switch cfg.Logging.Output {
	case "stderr", "":
		logs = logger.NewLoggerManagerWithWriter(cfg.Logging, a.stderr)
	default:
		logs, err = logger.NewLoggerManager(cfg.Logging)
		if err != nil {
			return fmt.Errorf("%w: failed to setup logging: %w", errConfig, err)
		}
	}
	a.logs = logs
	a.logger = logs.GetComponentLogger("cli")

	a.logger.DebugContext(ctx, "configuration loaded", "config", cfg.String())
	return nil
}

// alpaca returns the Alpaca client, creating it on first use.
func (a *App) alpaca() provider.Provider {
	if a.client == nil {
		a.client = provider.NewAlpacaClient(a.config.Provider, a.logs.GetComponentLogger("provider"))
	}
	return a.client
}

// assetCatalog loads the tradable asset snapshot once per process.
func (a *App) assetCatalog(ctx context.Context) (*catalog.Catalog, error) {
	if a.catalog == nil {
		c, err := catalog.Load(ctx, a.alpaca(), a.logs.GetComponentLogger("catalog"))
		if err != nil {
			return nil, err
		}
		a.catalog = c
	}
	return a.catalog, nil
}

// barCache wires provider, catalog and data directory into a BarCache.
func (a *App) barCache(ctx context.Context) (*cache.BarCache, error) {
	if a.cache == nil {
		c, err := a.assetCatalog(ctx)
		if err != nil {
			return nil, err
		}
		a.cache = cache.New(a.config.Cache.DataDir, a.alpaca(), c, a.logs.GetComponentLogger("cache"))
	}
	return a.cache, nil
}

func (a *App) close() {
	if a.client != nil && a.logger != nil {
		for errType, stats := range a.client.ErrorStats() {
			a.logger.Debug("provider errors",
				"type", errType,
				"count", stats.Count,
				"first_seen", stats.FirstSeen,
				"last_seen", stats.LastSeen)
		}
	}
	if a.logs != nil {
		a.logs.Close()
	}
}
