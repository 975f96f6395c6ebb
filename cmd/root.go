package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/lineage/internal/engine"
	"github.com/joescharf/lineage/internal/llm"
	"github.com/joescharf/lineage/internal/output"
	"github.com/joescharf/lineage/internal/report"
)

// pendingWorktreeAge is how old a pending worktree reservation must be
// before startup recovery treats its creator as dead. The worktree manager
// raises it to a multiple of git.timeout when that is longer.
const pendingWorktreeAge = 10 * time.Minute

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui  *output.UI
	eng *engine.Engine

	verbose bool
	dryRun  bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Coordinate AI agent sessions, tasks and git worktrees",
	Long: `lineage tracks AI coding-agent sessions against shared git repositories.
It records the fork/spawn genealogy between sessions, the ordered task
checkpoints inside each session, and the git worktrees sessions run in.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if eng != nil {
		_ = eng.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/lineage/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		configDir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("LINEAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaultConfigDir, _ := configDirFunc()
	setDefaults(defaultConfigDir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every configuration key with its default value.
// Paths derived from state_dir are resolved later so an overridden
// state_dir moves them too.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", "")
	viper.SetDefault("repos_dir", "")
	viper.SetDefault("worktrees_dir", "")
	viper.SetDefault("git.timeout", "2m")
	viper.SetDefault("serve.addr", "localhost:7420")
	viper.SetDefault("report.dir", "")
	viper.SetDefault("report.llm", false)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", llm.DefaultModel)
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The engine is opened lazily, only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// stateDir returns the configured state directory.
func stateDir() string {
	return viper.GetString("state_dir")
}

// pathSetting returns a path-valued key, defaulting to name under state_dir.
func pathSetting(key, name string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}
	return filepath.Join(stateDir(), name)
}

func dbPath() string    { return pathSetting("db_path", "lineage.db") }
func reposDir() string  { return pathSetting("repos_dir", "repos") }
func reportDir() string { return pathSetting("report.dir", "reports") }

// engineConfig builds the engine settings from configuration.
func engineConfig() (engine.Config, error) {
	timeout, err := time.ParseDuration(viper.GetString("git.timeout"))
	if err != nil {
		return engine.Config{}, fmt.Errorf("invalid git.timeout: %w", err)
	}
	return engine.Config{
		ReposDir:     reposDir(),
		WorktreesDir: viper.GetString("worktrees_dir"),
		GitTimeout:   timeout,
	}, nil
}

// getEngine returns the shared engine, opening the database on first call.
func getEngine() (*engine.Engine, error) {
	if eng != nil {
		return eng, nil
	}

	cfg, err := engineConfig()
	if err != nil {
		return nil, err
	}
	path := dbPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	ctx := context.Background()
	e, err := engine.Open(ctx, path, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Best-effort cleanup of reservations left by a crashed process.
	if ids, err := e.Worktrees.RecoverPending(ctx, pendingWorktreeAge); err != nil {
		ui.VerboseLog("Recover pending worktrees: %v", err)
	} else if len(ids) > 0 {
		ui.VerboseLog("Released %d stale worktree reservation(s)", len(ids))
	}

	eng = e
	return eng, nil
}

// reportGenerator builds the report generator, with an LLM summarizer when
// report.llm is enabled and an API key is available.
func reportGenerator(e *engine.Engine) *report.Generator {
	var summarizer report.Summarizer
	if viper.GetBool("report.llm") {
		key := viper.GetString("anthropic.api_key")
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key != "" {
			summarizer = llm.NewClient(key, viper.GetString("anthropic.model"))
		} else {
			ui.Warning("report.llm is enabled but no Anthropic API key is configured")
		}
	}
	return report.NewGenerator(e.Store, e.Tasks, reportDir(), summarizer)
}

// printResult prints v as JSON when --json is set and calls human otherwise.
func printResult(v any, human func()) error {
	if jsonOut {
		return ui.JSON(v)
	}
	human()
	return nil
}
