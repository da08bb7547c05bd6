package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// cli carries the state shared by every subcommand: flags, the loaded
// config and the process logger.
type cli struct {
	home     string
	logLevel string
	jsonOut  bool
	noTUI    bool

	cfg    config.Config
	logger *slog.Logger
	closer io.Closer

	out io.Writer
	err io.Writer
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(&cli{})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "inquest",
		Short: "Agent investigations and proactive scans over a study dataset",
		Long: `inquest answers operational questions by routing them to specialist agents
that reason over a read-only dataset, and runs proactive scans that execute
standing directives, persist deduplicated findings and raise alerts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.out = cmd.OutOrStdout()
			c.err = cmd.ErrOrStderr()
			if skipSetup(cmd) {
				return nil
			}
			return c.setup(cmd.Name() == "daemon")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.closer != nil {
				_ = c.closer.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.home, "home", "", "data directory (default $INQUEST_HOME or ~/.inquest)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print results as JSON")
	root.PersistentFlags().BoolVar(&c.noTUI, "no-tui", os.Getenv("INQUEST_NO_TUI") != "", "disable the live progress view")

	root.AddCommand(
		newInvestigateCmd(c),
		newScanCmd(c),
		newScansCmd(c),
		newFindingsCmd(c),
		newAlertsCmd(c),
		newCacheCmd(c),
		newDaemonCmd(c),
		newDoctorCmd(c),
		newVersionCmd(c),
	)
	return root
}

// skipSetup reports commands that must work without a usable home.
func skipSetup(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "doctor", "help":
		return true
	}
	return false
}

// setup loads the config, writing the starter set on first run, and opens
// the logger. Only the daemon mirrors logs to stdout.
func (c *cli) setup(daemon bool) error {
	if c.home != "" {
		if err := os.Setenv("INQUEST_HOME", c.home); err != nil {
			return err
		}
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if c.logLevel != "" {
		level = c.logLevel
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, !daemon)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	c.cfg = cfg
	c.logger = logger
	c.closer = closer
	return nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if cfg.NeedsGenesis {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			return cfg, fmt.Errorf("write starter config: %w", err)
		}
		if cfg, err = config.Load(); err != nil {
			return cfg, fmt.Errorf("reload config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// interactive reports whether the live progress view should be shown.
func (c *cli) interactive() bool {
	if c.noTUI || c.jsonOut {
		return false
	}
	f, ok := c.out.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
