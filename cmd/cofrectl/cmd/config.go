package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validConfigKeys = []string{"server", "timeout", "json", "pretty", "token"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage cofrectl configuration",
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		tokenSet := jwtToken != ""
		if outputJSON {
			printOutput(out, map[string]any{
				"server":    serverAddr,
				"timeout":   timeout.String(),
				"json":      outputJSON,
				"pretty":    prettyJSON,
				"token_set": tokenSet,
			})
			return
		}

		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", serverAddr)
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(out, "  Pretty JSON: %v\n", prettyJSON)
		fmt.Fprintf(out, "  Token: %v\n", tokenSet)
		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintln(out, "  Warning: pretty=true but jq not found in PATH")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  cofrectl config set server http://localhost:8090
  cofrectl config set timeout 60s
  cofrectl config set json true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		switch key {
		case "json", "pretty":
			switch value {
			case "true", "1", "yes", "on":
				viper.Set(key, true)
			case "false", "0", "no", "off":
				viper.Set(key, false)
			default:
				return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
			}
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid duration for timeout: %s", value)
			}
			viper.Set(key, d.String())
		case "server", "token":
			viper.Set(key, value)
		default:
			return fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, validConfigKeys)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

// configPath is the file named by --config, or ~/.cofrectl.yaml.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".cofrectl.yaml"), nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd)
}
