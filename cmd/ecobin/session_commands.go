package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ecobin/internal/ipc"
)

func newResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the in-progress detection, pending user, and linking session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Reset()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Session reset (generation %d)\n", resp.Session.Generation)
				return nil
			})
		},
	}
}

func newLinkCommand(ctx *commandContext) *cobra.Command {
	linkCmd := &cobra.Command{
		Use:   "link",
		Short: "Bind the next presented card to a user",
	}

	startCmd := &cobra.Command{
		Use:   "start <user-id> [display-name]",
		Short: "Open a linking session for a user",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := strings.TrimSpace(args[0])
			var name string
			if len(args) > 1 {
				name = strings.TrimSpace(args[1])
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StartLinking(userID, name)
				if err != nil {
					return err
				}
				if resp.Linking == nil {
					return errors.New("daemon did not open a linking session")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Present a card to link it to %s (%s)\n", resp.Linking.TargetUserName, resp.Linking.TargetUserID)
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Close the open linking session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CancelLinking()
				if err != nil {
					return err
				}
				if resp.Cancelled {
					fmt.Fprintln(cmd.OutOrStdout(), "Linking cancelled")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "No linking session was open")
				}
				return nil
			})
		},
	}

	linkCmd.AddCommand(startCmd, cancelCmd)
	return linkCmd
}
