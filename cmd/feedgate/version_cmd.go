package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/feedworks/feedgate/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the feedgate version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Current())
		},
	}
}
