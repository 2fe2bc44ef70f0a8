// Command research is the CLI for the deep-research runtime.
//
// Usage:
//
//	research run "what is the state of fusion power?"
//	research chat
//	research sessions
//	research show <session-id>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/emilwareus/go-research/pkg/config"
	"github.com/emilwareus/go-research/pkg/logger"
	"github.com/emilwareus/go-research/pkg/orchestrator"
	"github.com/emilwareus/go-research/pkg/session"
)

// errConfig marks configuration failures so main can exit with code 2.
var errConfig = errors.New("configuration error")

// CLI defines the command-line interface.
type CLI struct {
	Chat     ChatCmd     `cmd:"" default:"1" help:"Interactive research session."`
	Run      RunCmd      `cmd:"" help:"Run one research query and exit."`
	Sessions SessionsCmd `cmd:"" help:"List stored sessions."`
	Show     ShowCmd     `cmd:"" help:"Print a stored session's report."`
	Migrate  MigrateCmd  `cmd:"" help:"Import a legacy JSON session snapshot."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config     string `short:"c" help:"Path to YAML config file." type:"path"`
	Mode       string `help:"Research mode." enum:"fast,deep," default:""`
	Model      string `short:"m" help:"Override the LLM model."`
	MaxWorkers int    `name:"max-workers" help:"Maximum concurrent research workers."`
	Vault      string `help:"Directory to save finished reports into."`
	Verbose    bool   `short:"v" help:"Stream worker output and debug logs."`
	LogLevel   string `name:"log-level" help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFile    string `name:"log-file" help:"Log file path (empty = stderr)."`
}

// loadConfig resolves configuration: defaults, then file, then environment,
// then CLI flags.
func loadConfig(cli *CLI) (*config.Config, error) {
	var cfg *config.Config
	if cli.Config != "" {
		fileCfg, err := config.LoadFile(cli.Config)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errConfig, err)
		}
		cfg = fileCfg
		env := config.FromEnv()
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = env.LLM.APIKey
		}
		if cfg.Tools.SearchAPIKey == "" {
			cfg.Tools.SearchAPIKey = env.Tools.SearchAPIKey
		}
		if cfg.VaultPath == "" {
			cfg.VaultPath = env.VaultPath
		}
		if cfg.HistoryFile == "" {
			cfg.HistoryFile = env.HistoryFile
		}
	} else {
		cfg = config.FromEnv()
	}

	if cli.Mode != "" {
		cfg.Orchestrator.Mode = cli.Mode
	}
	if cli.Model != "" {
		cfg.LLM.Model = cli.Model
	}
	if cli.MaxWorkers > 0 {
		cfg.Orchestrator.MaxConcurrency = cli.MaxWorkers
	}
	if cli.Vault != "" {
		cfg.VaultPath = cli.Vault
	}
	if cli.Verbose {
		cfg.Verbose = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	return cfg, nil
}

// RunCmd runs a single research query.
type RunCmd struct {
	Query []string `arg:"" help:"The research query."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	deps, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	query := strings.Join(c.Query, " ")
	orch := deps.NewOrchestrator()
	installInterrupt(orch)

	result, err := orch.Run(ctx, query)
	if err != nil {
		return err
	}

	deps.render.Flush()
	printReport(result.Report)
	printRunStats(result)

	if cfg.VaultPath != "" {
		path, err := saveToVault(cfg.VaultPath, result.Report)
		if err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		fmt.Printf("\nSaved to %s\n", path)
	}
	appendHistory(cfg.HistoryFile, query)
	return nil
}

// ChatCmd starts the interactive loop.
type ChatCmd struct {
	Session string `help:"Resume an existing session by ID."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	deps, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	return runInteractive(cfg, deps, c.Session)
}

// SessionsCmd lists stored sessions.
type SessionsCmd struct{}

func (c *SessionsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	store, err := session.NewStore(cfg.Session.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No stored sessions.")
		return nil
	}
	for _, id := range ids {
		snapshot, err := store.Load(id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s  %-9s  %s\n", id, snapshot.Status, snapshot.Query)
	}
	return nil
}

// ShowCmd prints a stored session's report.
type ShowCmd struct {
	ID string `arg:"" help:"Session ID."`
}

func (c *ShowCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	store, err := session.NewStore(cfg.Session.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshot, err := store.Load(c.ID)
	if err != nil {
		return err
	}
	if snapshot.Report == nil {
		fmt.Printf("Session %s (%s) has no report.\n", c.ID, snapshot.Status)
		return nil
	}
	fmt.Println(snapshot.Report.FullContent)
	return nil
}

// MigrateCmd imports a legacy JSON snapshot into the event log.
type MigrateCmd struct {
	Path string `arg:"" help:"Path to the legacy session JSON file." type:"path"`
}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	store, err := session.NewStore(cfg.Session.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.MigrateFile(c.Path)
	if err != nil {
		return err
	}
	fmt.Printf("Migrated %s -> session %s\n", c.Path, id)
	return nil
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("research %s\n", version)
	return nil
}

// installInterrupt wires SIGINT/SIGTERM: the first signal cancels the run
// gracefully, a second one exits immediately.
func installInterrupt(orch *orchestrator.Orchestrator) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		reason := orchestrator.ReasonUserInterrupt
		if sig == syscall.SIGTERM {
			reason = orchestrator.ReasonShutdown
		}
		orch.Cancel(reason)
		<-sigCh
		os.Exit(130)
	}()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("research"),
		kong.Description("Multi-agent deep research from the terminal."),
		kong.UsageOnError(),
	)

	closeLog, err := logger.Init(logger.Options{
		Level:   cli.LogLevel,
		File:    cli.LogFile,
		Verbose: cli.Verbose,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	err = ctx.Run(&cli)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrCancelled):
		fmt.Fprintln(os.Stderr, "cancelled")
		os.Exit(130)
	case errors.Is(err, errConfig):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
