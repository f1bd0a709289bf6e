package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ecobin/internal/ipc"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Push a test message to the configured ntfy topic",
		Long: "Asks the running daemon to push a test message through its ntfy client, " +
			"the same path used for container-full and reward failure alerts.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestNotification()
				if err != nil {
					return fmt.Errorf("test notification: %w", err)
				}
				out := cmd.OutOrStdout()
				label := statusWarn
				if resp.Sent {
					label = statusOK
				}
				message := resp.Message
				if message == "" {
					message = "no response from notifier"
				}
				fmt.Fprintln(out, renderStatusLine("Notifications", label, message, shouldColorize(out)))
				return nil
			})
		},
	}
}
