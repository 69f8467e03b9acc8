package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openclaw/autoconnect/internal/model"
)

func newStatusCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted link session",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveDBPath(*dbPath)
			if err != nil {
				return err
			}
			store, closeStore, err := openLocalStore(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer closeStore()

			session, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if session == nil {
				printSession(out, model.LinkSession{State: model.SessionStateIdle})
				return nil
			}
			printSession(out, *session)
			if session.State == model.SessionStateFailed || session.State == model.SessionStateTimedOut {
				printManualFallback(out, *session)
			}
			return nil
		},
	}
}

func newResetCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the persisted link session",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveDBPath(*dbPath)
			if err != nil {
				return err
			}
			store, closeStore, err := openLocalStore(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("Session cleared."))
			return nil
		},
	}
}
