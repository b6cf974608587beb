package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "ctf-instancer",
		Short:         "Per-player challenge instances and browser terminals",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newReapCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
