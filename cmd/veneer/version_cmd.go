package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/veneer/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	var revision bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the veneer version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if short && revision {
				return fmt.Errorf("--short and --revision are mutually exclusive")
			}
			info := version.Read()
			out := cmd.OutOrStdout()
			switch {
			case short:
				_, err := fmt.Fprintln(out, info.Version)
				return err
			case revision:
				rev := info.Revision
				if rev == "" {
					rev = "unknown"
				}
				if info.Dirty {
					rev += "+dirty"
				}
				_, err := fmt.Fprintln(out, rev)
				return err
			}
			_, err := fmt.Fprintln(out, info.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	cmd.Flags().BoolVar(&revision, "revision", false, "print only the VCS revision")
	return cmd
}
