package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const banner = `
                          _ __       __
   ____ ___  ______      __(_) /______/ /_
  / __ '__ \/ ___/ | /| / / / __/ ___/ __ \
 / / / / / (__  )| |/ |/ / / /_/ /__/ / / /
/_/ /_/ /_/____/ |__/|__/_/\__/\___/_/ /_/

Message switch - durable in-memory queues
Version: %s
`

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mswitch",
		Short:         "mswitch message switch",
		Long:          "mswitch keeps named queues in memory and records every change in an operation log.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Configuration file path (YAML); MSWITCH_* env vars override it")

	root.AddCommand(
		newServeCommand(),
		newDumpCommand(),
		newCompactCommand(),
		newGenerateConfigCommand(),
		newVersionCommand(),
	)
	return root
}
