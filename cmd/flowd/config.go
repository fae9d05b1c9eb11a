package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowd-io/flowd/config"
)

func configCmd(opts *rootOptions) *cobra.Command {
	var initConfig bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after layering defaults, the user config
and the project config. Inline secret values are masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if initConfig {
				if err := config.NewLoader(logger).EnsureUserConfig(); err != nil {
					return err
				}
			}
			out, err := yaml.Marshal(masked(cfg))
			if err != nil {
				return fmt.Errorf("rendering config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&initConfig, "init", false, "Create the user config file with defaults if missing")
	return cmd
}

// masked hides inline secret values; the names still print so a missing
// secret stays diagnosable.
func masked(cfg *config.Config) *config.Config {
	if len(cfg.Secrets.Values) == 0 {
		return cfg
	}
	display := *cfg
	display.Secrets.Values = make(map[string]string, len(cfg.Secrets.Values))
	for k := range cfg.Secrets.Values {
		display.Secrets.Values[k] = "********"
	}
	return &display
}
