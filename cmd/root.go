package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "quorum"}

	root.AddCommand(serveCMD(), migrateCMD(), askCMD(), sessionsCMD(), reportCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
