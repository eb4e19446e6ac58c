package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markgate/markgate/internal/model"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage credential owners",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserStatusCmd("activate", model.UserActive))
	cmd.AddCommand(newUserStatusCmd("deactivate", model.UserInactive))

	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:     "create <name>",
		Short:   "Create a user",
		Example: `  markgate user create "Ada Lovelace" --email ada@example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.users.Create(cliContext(), args[0], email, "")
			if err != nil {
				return err
			}
			fmt.Printf("Created user %s (%s)\n", u.ID, u.Email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			users, err := a.users.List(cliContext())
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(users)
			}
			if len(users) == 0 {
				fmt.Println("No users. Use 'markgate user create' to add one.")
				return nil
			}
			fmt.Printf("%-36s  %-24s %-32s %-8s\n", "ID", "NAME", "EMAIL", "STATUS")
			for _, u := range users {
				fmt.Printf("%-36s  %-24s %-32s %-8s\n", u.ID, u.Name, u.Email, u.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newUserStatusCmd(use string, status model.UserStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: fmt.Sprintf("Set a user's status to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			changed, err := a.users.SetStatus(cliContext(), args[0], status, "")
			if err != nil {
				return err
			}
			if !changed {
				fmt.Printf("User %s was already %s.\n", args[0], status)
				return nil
			}
			fmt.Printf("User %s is now %s.\n", args[0], status)
			return nil
		},
	}
}
