package auth

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/tinyinbox/cmd/tinyinbox/internal"
	"github.com/tinyland-inc/tinyinbox/pkg/auth"
)

func NewAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage backend credentials",
	}

	cmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newStatusCommand(),
	)

	return cmd
}

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store a backend access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cred, err := auth.LoginPasteToken(cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			path := auth.CredentialPath(internal.GetConfigDir())
			if err := auth.SaveCredential(path, cred); err != nil {
				return fmt.Errorf("saving credential: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential saved to %s\n", path)
			return nil
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := auth.CredentialPath(internal.GetConfigDir())
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "No stored credential")
					return nil
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credential removed")
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a credential is stored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cred, err := auth.LoadCredential(auth.CredentialPath(internal.GetConfigDir()))
			if err != nil {
				return err
			}
			if cred == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Not logged in (requests go out anonymously)")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in (token stored %s)\n", cred.CreatedAt.Format("2006-01-02 15:04 MST"))
			return nil
		},
	}
}
