package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// localOwner is the single owner key the terminal client stores under.
const localOwner = "local"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		dbPath  string
		verbose bool
	)

	root := &cobra.Command{
		Use:          "connect",
		Short:        "Link a Telegram account to this machine",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", "", "sqlite file holding the session (default $SQLITE_PATH or autoconnect.db)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(newStartCommand(&dbPath))
	root.AddCommand(newStatusCommand(&dbPath))
	root.AddCommand(newResetCommand(&dbPath))

	return root
}
