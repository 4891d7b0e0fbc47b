package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const maskedValue = "********"

// secretKeys are masked when the effective configuration is printed
var secretKeys = [][]string{
	{"db", "password"},
	{"auth", "pass"},
	{"s3", "access_key"},
	{"s3", "secret_key"},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Prints the configuration after merging defaults, the config file, environment variables and flags. Secrets are masked.`,
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return printConfig(os.Stdout, viper.AllSettings())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func printConfig(w io.Writer, settings map[string]any) error {
	maskSecrets(settings)
	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = w.Write(out)
	return err
}

// maskSecrets replaces non-empty secret values in place
func maskSecrets(settings map[string]any) {
	for _, path := range secretKeys {
		section, ok := settings[path[0]].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := section[path[1]]; ok && fmt.Sprint(v) != "" {
			section[path[1]] = maskedValue
		}
	}
}
