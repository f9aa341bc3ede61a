package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the agent software version.
const Version = "0.1.0"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}
