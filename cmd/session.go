package main

import (
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Open, inspect, adjust, and apply reconciliation sessions",
}

var sessionOpenCmd = &cobra.Command{
	Use:   "open <runID>",
	Short: "Open a session from a validation run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer e.Close()

		sess, err := e.Sessions.Open(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sess)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <sessionID>",
	Short: "Show a session with its overrides and summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer e.Close()

		view, err := e.Sessions.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

var sessionToggleCmd = &cobra.Command{
	Use:   "toggle <sessionID> <code>",
	Short: "Flip keep-original on one line item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer e.Close()

		o, err := e.Sessions.ToggleOverride(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), o)
	},
}

var sessionApplyCmd = &cobra.Command{
	Use:   "apply <sessionID>",
	Short: "Resolve selections, revalue, and commit the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Sessions.Apply(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	sessionCmd.AddCommand(sessionOpenCmd, sessionShowCmd, sessionToggleCmd, sessionApplyCmd)
	rootCmd.AddCommand(sessionCmd)
}
