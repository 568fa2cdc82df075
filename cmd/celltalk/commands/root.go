package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/glycerine/celltalk"
)

var (
	configPath string
	verbose    bool

	// loaded by the root PersistentPreRunE
	cfg *celltalk.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:           "celltalk",
		Short:         "Talk protocol server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig()
			if err != nil {
				return err
			}
			if verbose {
				cfg.Verbose = true
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/celltalk/celltalk.json, when present)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log session errors")

	root.AddCommand(serveCmd(), dialCmd(), configCmd())
	return root.Execute()
}

// loadConfig reads --config, or the default path when it
// exists, or falls back to built-in defaults.
func loadConfig() (*celltalk.Config, error) {
	if configPath != "" {
		return celltalk.LoadConfig(configPath)
	}
	path, err := celltalk.DefaultConfigPath()
	if err != nil {
		return celltalk.NewConfig(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return celltalk.NewConfig(), nil
	}
	return celltalk.LoadConfig(path)
}
