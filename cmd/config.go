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
	return filepath.Join(home, ".config", "staffwatch"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage staffwatch configuration.

Running bare 'staffwatch config' is the same as 'staffwatch config show'.`,
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
const configTemplate = `# staffwatch configuration
# See: staffwatch config show (for effective values and sources)

# State/data directory (default: ~/.config/staffwatch)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/staffwatch/staffwatch.db)
# db_path: {{ .DBPath }}

# API server
api:
  # Base URL of the StaffWatch server
  base_url: "{{ .APIBaseURL }}"

# Session rotation
session:
  # Force-close and replace a session after this long (default: 10m)
  max_duration: {{ .SessionMaxDuration }}

# Idle detection
idle:
  # Gap between inputs treated as idle (default: 5m)
  threshold: {{ .IdleThreshold }}

  # What to do with an idle gap when nobody answers: keep | discard
  decision: "{{ .IdleDecision }}"

# Screenshot capture
capture:
  # Disable to never take screenshots (default: true)
  enabled: {{ .CaptureEnabled }}
`

type configTemplateData struct {
	StateDir           string
	DBPath             string
	APIBaseURL         string
	SessionMaxDuration string
	IdleThreshold      string
	IdleDecision       string
	CaptureEnabled     bool
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
		StateDir:           viper.GetString("state_dir"),
		DBPath:             viper.GetString("db_path"),
		APIBaseURL:         viper.GetString("api.base_url"),
		SessionMaxDuration: viper.GetDuration("session.max_duration").String(),
		IdleThreshold:      viper.GetDuration("idle.threshold").String(),
		IdleDecision:       viper.GetString("idle.decision"),
		CaptureEnabled:     viper.GetBool("capture.enabled"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
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
	{Key: "state_dir", EnvVar: "STAFFWATCH_STATE_DIR"},
	{Key: "db_path", EnvVar: "STAFFWATCH_DB_PATH"},
	{Key: "pid_path", EnvVar: "STAFFWATCH_PID_PATH"},
	{Key: "api.base_url", EnvVar: "STAFFWATCH_API_BASE_URL"},
	{Key: "session.max_duration", EnvVar: "STAFFWATCH_SESSION_MAX_DURATION"},
	{Key: "idle.threshold", EnvVar: "STAFFWATCH_IDLE_THRESHOLD"},
	{Key: "idle.decision", EnvVar: "STAFFWATCH_IDLE_DECISION"},
	{Key: "intervals.sync", EnvVar: "STAFFWATCH_INTERVALS_SYNC"},
	{Key: "intervals.pull", EnvVar: "STAFFWATCH_INTERVALS_PULL"},
	{Key: "capture.enabled", EnvVar: "STAFFWATCH_CAPTURE_ENABLED"},
	{Key: "capture.min_delay", EnvVar: "STAFFWATCH_CAPTURE_MIN_DELAY"},
	{Key: "capture.max_delay", EnvVar: "STAFFWATCH_CAPTURE_MAX_DELAY"},
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
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
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
		return fmt.Errorf("$EDITOR is not set, set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'staffwatch config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
