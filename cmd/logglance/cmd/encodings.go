package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corey/logglance/internal/domain/encoding"
)

var encodingsCmd = &cobra.Command{
	Use:   "encodings",
	Short: "List the encodings that can be selected with --encoding",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, e := range encoding.Available() {
			kind := "multi-byte"
			switch {
			case e.SingleByte():
				kind = "single-byte"
			case e.UnitWidth() > 1:
				kind = fmt.Sprintf("%d-byte units", e.UnitWidth())
			}
			fmt.Fprintf(out, "%-14s %s\n", e.Name(), kind)
		}
		return nil
	},
}
