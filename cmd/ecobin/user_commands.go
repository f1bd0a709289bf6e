package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"ecobin/internal/registry"
	"ecobin/internal/services"
)

func newUserCommand(ctx *commandContext) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Administer identity registry users",
	}
	userCmd.AddCommand(newUserAddCommand(ctx))
	userCmd.AddCommand(newUserListCommand(ctx))
	userCmd.AddCommand(newUserFindCommand(ctx))
	return userCmd
}

func newUserAddCommand(ctx *commandContext) *cobra.Command {
	var (
		pin    string
		email  string
		points int64
		card   string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a user, optionally binding a card",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			pin = strings.TrimSpace(pin)
			if pin != "" && !registry.ValidPIN(pin) {
				return services.Wrap(services.ErrValidation, "cli", "user_add", "pin must be exactly 6 digits", nil)
			}
			return ctx.withRegistry(cmd.Context(), func(store registry.Store) error {
				if pin != "" {
					existing, err := store.FindUserByPIN(cmd.Context(), pin)
					if err != nil {
						return err
					}
					if existing != nil {
						return fmt.Errorf("pin already assigned to %s (%s)", existing.Name, existing.ID)
					}
				}
				user, err := store.CreateUser(cmd.Context(), registry.User{Name: name, PIN: pin, Email: email, Points: points})
				if err != nil {
					return err
				}
				if credential := registry.NormalizeCredential(card); credential != "" {
					if _, err := registry.Link(cmd.Context(), store, credential, user.ID); err != nil {
						return fmt.Errorf("user %s created but card not linked: %w", user.ID, err)
					}
					user.CredentialID = credential
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created user %s (%s)\n", user.Name, user.ID)
				if user.CredentialID != "" {
					fmt.Fprintf(out, "Card %s linked\n", user.CredentialID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "Six digit PIN used to find the user at the kiosk")
	cmd.Flags().StringVar(&email, "email", "", "Contact email")
	cmd.Flags().Int64Var(&points, "points", 0, "Starting point balance")
	cmd.Flags().StringVar(&card, "card", "", "Card UID to bind immediately")
	return cmd
}

func newUserListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRegistry(cmd.Context(), func(store registry.Store) error {
				users, err := store.ListUsers(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					if users == nil {
						users = []registry.User{}
					}
					return writeJSON(cmd, users)
				}
				out := cmd.OutOrStdout()
				if len(users) == 0 {
					fmt.Fprintln(out, "No users registered")
					return nil
				}
				fmt.Fprint(out, renderTable([]string{"ID", "Name", "Card", "Points"}, userRows(users),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}, shouldColorize(out)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print users as JSON")
	return cmd
}

func newUserFindCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "find <pin>",
		Short: "Look a user up by PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pin := strings.TrimSpace(args[0])
			if !registry.ValidPIN(pin) {
				return services.Wrap(services.ErrValidation, "cli", "user_find", "pin must be exactly 6 digits", nil)
			}
			return ctx.withRegistry(cmd.Context(), func(store registry.Store) error {
				user, err := findByPIN(cmd.Context(), store, pin)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprint(out, renderTable([]string{"ID", "Name", "Card", "Points"}, userRows([]registry.User{*user}),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}, shouldColorize(out)))
				return nil
			})
		},
	}
}

func findByPIN(ctx context.Context, store registry.Registry, pin string) (*registry.User, error) {
	user, err := store.FindUserByPIN(ctx, pin)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, services.Wrap(services.ErrNotFound, "cli", "user_find", "no user with that pin", nil)
	}
	return user, nil
}

func userRows(users []registry.User) [][]string {
	rows := make([][]string, 0, len(users))
	for _, user := range users {
		card := user.CredentialID
		if card == "" {
			card = "-"
		}
		rows = append(rows, []string{user.ID, user.Name, card, strconv.FormatInt(user.Points, 10)})
	}
	return rows
}
