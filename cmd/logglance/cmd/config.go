package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corey/logglance/internal/config"
)

var configDefaults bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cfg
		if configDefaults {
			c = config.Default()
		}
		data, err := c.Encode()
		if err != nil {
			return err
		}
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\n", path)
		_, err = out.Write(data)
		return err
	},
}

func init() {
	configCmd.Flags().BoolVar(&configDefaults, "defaults", false, "Print the built-in defaults instead")
}
