package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
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
	return filepath.Join(home, ".config", "remedy"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage remedy configuration.

Running bare 'remedy config' is the same as 'remedy config show'.`,
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

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# remedy configuration
# See: remedy config show (for effective values and sources)

# State/data directory (default: ~/.config/remedy)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/remedy/remedy.db)
# db_path: {{ .DBPath }}

# Maximum concurrent workers (default: 4)
# max_workers: {{ .MaxWorkers }}

# Cooperative stop grace period in seconds before a worker is killed
# stop_grace_seconds: {{ .StopGraceSeconds }}

# Analysis
analyze:
  # Lint command printing "file:line: rule: message" findings
  command: "{{ .AnalyzeCommand }}"

# AI backends, in failover priority order
anthropic:
  # API key (prefer REMEDY_ANTHROPIC_API_KEY)
  api_key: ""

  # Model used for fix generation
  model: "{{ .AnthropicModel }}"

cli:
  # Local CLI fallback binary ("" disables)
  binary: "{{ .CLIBinary }}"

# Failover thresholds
fallback:
  failure_threshold: {{ .FailureThreshold }}
  cooldown_minutes: {{ .CooldownMinutes }}
  rate_limit_seconds: {{ .RateLimitSeconds }}
`

type configTemplateData struct {
	StateDir         string
	DBPath           string
	MaxWorkers       int
	StopGraceSeconds int
	AnalyzeCommand   string
	AnthropicModel   string
	CLIBinary        string
	FailureThreshold int
	CooldownMinutes  int
	RateLimitSeconds int
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
		StateDir:         viper.GetString("state_dir"),
		DBPath:           viper.GetString("db_path"),
		MaxWorkers:       viper.GetInt("max_workers"),
		StopGraceSeconds: viper.GetInt("stop_grace_seconds"),
		AnalyzeCommand:   viper.GetString("analyze.command"),
		AnthropicModel:   viper.GetString("anthropic.model"),
		CLIBinary:        viper.GetString("cli.binary"),
		FailureThreshold: viper.GetInt("fallback.failure_threshold"),
		CooldownMinutes:  viper.GetInt("fallback.cooldown_minutes"),
		RateLimitSeconds: viper.GetInt("fallback.rate_limit_seconds"),
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
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "REMEDY_STATE_DIR"},
	{Key: "db_path", EnvVar: "REMEDY_DB_PATH"},
	{Key: "max_workers", EnvVar: "REMEDY_MAX_WORKERS"},
	{Key: "stop_grace_seconds", EnvVar: "REMEDY_STOP_GRACE_SECONDS"},
	{Key: "analyze.command", EnvVar: "REMEDY_ANALYZE_COMMAND"},
	{Key: "anthropic.model", EnvVar: "REMEDY_ANTHROPIC_MODEL"},
	{Key: "cli.binary", EnvVar: "REMEDY_CLI_BINARY"},
	{Key: "fallback.failure_threshold", EnvVar: "REMEDY_FALLBACK_FAILURE_THRESHOLD"},
	{Key: "fallback.cooldown_minutes", EnvVar: "REMEDY_FALLBACK_COOLDOWN_MINUTES"},
	{Key: "fallback.rate_limit_seconds", EnvVar: "REMEDY_FALLBACK_RATE_LIMIT_SECONDS"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
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

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-28s %v  %s\n", k.Key, val, source)
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

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'remedy config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
