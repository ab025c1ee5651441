package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"cipherline/internal/domain"
)

func credentials(cmd *cobra.Command, id string) (domain.Credentials, error) {
	secret, _ := cmd.Flags().GetString("secret")
	org, _ := cmd.Flags().GetBool("org")
	if secret == "" {
		return domain.Credentials{}, errors.New("--secret required")
	}
	creds := domain.Credentials{PrincipalID: domain.PrincipalID(id), PrincipalKind: domain.PrincipalUser, Secret: secret}
	if org {
		creds.PrincipalKind = domain.PrincipalOrganization
	}
	return creds, nil
}

func credentialFlags(cmd *cobra.Command) {
	cmd.Flags().String("secret", "", "account secret on the relay")
	cmd.Flags().Bool("org", false, "authenticate as an organization")
}

// register <id>: create the account, log in and publish a first batch of
// pre-keys.
func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Create an account on the relay and publish your pre-keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := credentials(cmd, args[0])
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := wire.Relay.Register(ctx, creds); err != nil {
				return err
			}
			if _, err := a.Authenticate(ctx, creds); err != nil {
				return err
			}
			n, err := a.PublishPreKeys(ctx, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s and published %d pre-keys\n", creds.PrincipalID, n)
			return nil
		},
	}
	credentialFlags(cmd)
	return cmd
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <id>",
		Short: "Log in and persist the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := credentials(cmd, args[0])
			if err != nil {
				return err
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.Authenticate(cmd.Context(), creds)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Logged in as %s (%s)\n", sess.PrincipalID, sess.PrincipalKind)
			if !sess.ExpiresAt.IsZero() {
				fmt.Fprintf(out, "Session expires %s\n", sess.ExpiresAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	credentialFlags(cmd)
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the persisted session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "publish-prekeys",
		Short: "Upload a fresh batch of pre-key bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := restoredApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.PublishPreKeys(cmd.Context(), count)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %d pre-keys\n", n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "bundles to publish (default prekeys.batch)")
	return cmd
}
