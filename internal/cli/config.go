package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/config"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage snapverify configuration",
	Long: `Manage snapverify configuration.

Settings are merged in this order, later sources winning:
  built-in defaults
  the YAML config file (--config, default snapverify.yaml)
  the dotenv file (--env-file, default .env)
  the process environment

Secrets are read from SLIDE_API_KEY, OPENAI_API_KEY and WINDOWS_PASSWORD.

Available commands:
  show   - Show the effective configuration with secrets masked
  init   - Write a config file with the defaults
  path   - Print the config file location`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		red := cfg.Redacted()
		if jsonOutput {
			return outputJSON(red)
		}
		data, err := yaml.Marshal(red)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Println(color.Dim("# snapverify configuration (secrets masked)"))
		fmt.Println(color.Dim("# file: " + resolvedConfigPath()))
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Long: `Write a config file containing every setting at its default value.

Secrets are not written; keep them in the environment or the .env file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolvedConfigPath()
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
		}
		if err := config.Save(path, config.Default()); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]string{"path": path})
		}
		fmt.Printf("Wrote default configuration to %s\n", color.Code(path))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path := resolvedConfigPath()
		_, err := os.Stat(path)
		if jsonOutput {
			outputJSON(map[string]any{"path": path, "exists": err == nil})
			return
		}
		if err != nil {
			fmt.Printf("%s %s\n", path, color.Dim("(not present, defaults apply)"))
			return
		}
		fmt.Println(path)
	},
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath
}

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
