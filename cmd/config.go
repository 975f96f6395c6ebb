package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "lineage"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage lineage configuration.

Running bare 'lineage config' is the same as 'lineage config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# lineage configuration
# See: lineage config show (for effective values and sources)

# State/data directory (default: ~/.config/lineage)
# state_dir: {{ .StateDir }}

# SQLite database path (default: <state_dir>/lineage.db)
# db_path: {{ .DBPath }}

# Where repositories registered by remote URL are cloned (default: <state_dir>/repos)
# repos_dir: {{ .ReposDir }}

# Root for new worktrees, laid out as <worktrees_dir>/<repo slug>/<name>.
# Empty keeps worktrees next to the repository in <repo>.worktrees/<name>.
worktrees_dir: "{{ .WorktreesDir }}"

git:
  # Upper bound for every git invocation
  timeout: {{ .GitTimeout }}

serve:
  # Listen address of 'lineage serve'
  addr: "{{ .ServeAddr }}"

report:
  # Where task reports are written (default: <state_dir>/reports)
  # dir: {{ .ReportDir }}

  # Add an LLM-written summary to task reports (needs anthropic.api_key)
  llm: {{ .ReportLLM }}

anthropic:
  # API key for report summaries (ANTHROPIC_API_KEY is used when empty)
  api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir       string
	DBPath         string
	ReposDir       string
	WorktreesDir   string
	GitTimeout     string
	ServeAddr      string
	ReportDir      string
	ReportLLM      bool
	AnthropicModel string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:       stateDir(),
		DBPath:         dbPath(),
		ReposDir:       reposDir(),
		WorktreesDir:   viper.GetString("worktrees_dir"),
		GitTimeout:     viper.GetString("git.timeout"),
		ServeAddr:      viper.GetString("serve.addr"),
		ReportDir:      reportDir(),
		ReportLLM:      viper.GetBool("report.llm"),
		AnthropicModel: viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeys lists the keys shown by 'config show', in display order.
var configKeys = []string{
	"state_dir",
	"db_path",
	"repos_dir",
	"worktrees_dir",
	"git.timeout",
	"serve.addr",
	"report.dir",
	"report.llm",
	"anthropic.api_key",
	"anthropic.model",
}

// envVarFor returns the environment variable that overrides key.
func envVarFor(key string) string {
	return "LINEAGE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// configValue returns the effective value of key for display.
func configValue(key string) any {
	switch key {
	case "db_path":
		return dbPath()
	case "repos_dir":
		return reposDir()
	case "report.dir":
		return reportDir()
	case "anthropic.api_key":
		if viper.GetString(key) != "" {
			return "********"
		}
		return ""
	}
	return viper.Get(key)
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		cfgPath = used
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, key := range configKeys {
		source := detectSource(key, envVarFor(key), fileValues)
		fmt.Fprintf(ui.Out, "  %-20s %v  %s\n", key, configValue(key), source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}
