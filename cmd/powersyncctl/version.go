package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X main.version=..." at release build time.
var version = "dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of powersyncctl",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("powersyncctl %s\n", version)
	},
}
