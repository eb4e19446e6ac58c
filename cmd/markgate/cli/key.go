package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, inspect, rotate, deactivate and reactivate the API keys that authenticate against markgate.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyInfoCmd())
	cmd.AddCommand(newKeyRotateCmd())
	cmd.AddCommand(newKeyStatusCmd("deactivate", "Deactivate an API key", false))
	cmd.AddCommand(newKeyStatusCmd("reactivate", "Reactivate a deactivated API key", true))

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		role      string
		owner     string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  markgate key create ci-pipeline
  markgate key create ops --role admin
  markgate key create trial --expires-in 720h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(args[0], role, owner, expiresIn)
		},
	}

	cmd.Flags().StringVar(&role, "role", "user", "Role to bind the key to (user or admin)")
	cmd.Flags().StringVar(&owner, "owner", "", "ID of the owning user")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this long (default: auth.key_expiration_days)")

	return cmd
}

func runKeyCreate(name, roleName, owner string, expiresIn time.Duration) error {
	role, err := model.ParseRole(roleName)
	if err != nil {
		return err
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	req := service.IssueRequest{Name: name, Role: role, OwnerID: owner}
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn)
		req.ExpiresAt = &t
	}
	cred, secret, err := a.creds.Issue(cliContext(), req)
	if err != nil {
		return err
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:   %s\n", secret)
	fmt.Printf("  ID:    %s\n", cred.ID)
	fmt.Printf("  Name:  %s\n", cred.Name)
	fmt.Printf("  Role:  %s\n", cred.Role)
	if cred.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		jsonOutput bool
		all        bool
		role       string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput, all, role)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include deactivated keys")
	cmd.Flags().StringVar(&role, "role", "", "Only keys with this role")

	return cmd
}

type keyRow struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Role      model.Role `json:"role"`
	Active    bool       `json:"is_active"`
	Created   time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func toKeyRow(c *model.Credential) keyRow {
	return keyRow{
		ID:        c.ID,
		Name:      c.Name,
		Role:      c.Role,
		Active:    c.IsActive,
		Created:   c.CreatedAt,
		LastUsed:  c.LastUsedAt,
		ExpiresAt: c.ExpiresAt,
	}
}

func runKeyList(jsonOutput, all bool, roleName string) error {
	f := model.CredentialFilter{IncludeInactive: all}
	if roleName != "" {
		role, err := model.ParseRole(roleName)
		if err != nil {
			return err
		}
		f.Role = role
	}

	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	creds, err := a.creds.List(cliContext(), f)
	if err != nil {
		return err
	}

	rows := make([]keyRow, len(creds))
	for i := range creds {
		rows[i] = toKeyRow(&creds[i])
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys found. Use 'markgate key create' to create one.")
		return nil
	}

	fmt.Printf("%-36s  %-24s %-6s %-6s %-20s\n", "ID", "NAME", "ROLE", "ACTIVE", "LAST USED")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		fmt.Printf("%-36s  %-24s %-6s %-6s %-20s\n", k.ID, k.Name, k.Role, active, formatTime(k.LastUsed))
	}
	return nil
}

// ---------- key info ----------

func newKeyInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info <id-or-name>",
		Short: "Show one API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			cred, err := a.creds.Lookup(cliContext(), args[0])
			if err != nil {
				return err
			}
			row := toKeyRow(cred)
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(row)
			}
			fmt.Printf("ID:         %s\n", row.ID)
			fmt.Printf("Name:       %s\n", row.Name)
			fmt.Printf("Role:       %s\n", row.Role)
			fmt.Printf("Active:     %v\n", row.Active)
			fmt.Printf("Created:    %s\n", row.Created.Format(time.RFC3339))
			fmt.Printf("Last used:  %s\n", formatTime(row.LastUsed))
			fmt.Printf("Expires:    %s\n", formatTime(row.ExpiresAt))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rotate <id-or-name>",
		Short: "Replace an API key's secret",
		Long:  "Issue a new secret for the key. The old secret stops working immediately.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cliContext()
			cred, err := a.creds.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if !force {
				ok, err := confirm(fmt.Sprintf("Rotate key %q? Clients using the current secret will be rejected", cred.Name))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Aborted.")
					return nil
				}
			}

			secret, err := a.creds.Rotate(ctx, cred.ID, "")
			if err != nil {
				return err
			}
			fmt.Printf("New key for %s:\n\n  %s\n\n", cred.Name, secret)
			fmt.Println("  Save this key now - it cannot be retrieved again.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	return cmd
}

// ---------- key deactivate / reactivate ----------

func newKeyStatusCmd(use, short string, active bool) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   use + " <id-or-name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cliContext()
			cred, err := a.creds.Lookup(ctx, args[0])
			if err != nil {
				return err
			}

			var changed bool
			if active {
				changed, err = a.creds.Reactivate(ctx, cred.ID, "")
			} else {
				if !force {
					ok, err := confirm(fmt.Sprintf("Deactivate key %q?", cred.Name))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Println("Aborted.")
						return nil
					}
				}
				changed, err = a.creds.Deactivate(ctx, cred.ID, "")
			}
			if err != nil {
				return err
			}
			if !changed {
				fmt.Printf("Key %q was already %sd.\n", cred.Name, use)
				return nil
			}
			fmt.Printf("Key %q %sd.\n", cred.Name, use)
			return nil
		},
	}

	if !active {
		cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")
	}
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
