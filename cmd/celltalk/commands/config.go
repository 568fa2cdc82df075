package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glycerine/celltalk"
)

// config: write the effective configuration to a file.
func configCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				var err error
				out, err = celltalk.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			if err := cfg.Save(out); err != nil {
				return err
			}
			fmt.Printf("wrote %v\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "destination (default the standard config path)")
	return cmd
}
