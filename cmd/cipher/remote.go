package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"repo-cipher/pkg/auth"
	"repo-cipher/pkg/persist"
	"repo-cipher/pkg/version"
	"repo-cipher/pkg/view"
)

func (c *cli) toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the analysis tools offered by the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools, err := c.app.client.Tools(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), view.Tools(tools))
			return nil
		},
	}
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := c.app.client.Health(cmd.Context())
			if err != nil {
				return err
			}
			line := fmt.Sprintf("%s: %s", c.app.cfg.BackendURL, h.Status)
			if h.Version != "" {
				line += " (" + h.Version + ")"
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
}

func (c *cli) loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session token",
		Long: `Exchanges credentials for a session token and stores it next to the task
history. The password may also be given through CIPHER_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("CIPHER_PASSWORD")
			}
			if username == "" || password == "" {
				return errors.New("--username and --password (or CIPHER_PASSWORD) are required")
			}
			a := c.app
			token, err := a.client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			if err := a.kv.Set(cmd.Context(), persist.KeyAuthToken, []byte(token)); err != nil {
				return fmt.Errorf("store token: %w", err)
			}
			msg := "logged in as " + username
			if claims, err := auth.Inspect(token, a.now()); err == nil && claims.ExpiresAt != nil {
				msg += ", token expires " + claims.ExpiresAt.Time.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "user name")
	cmd.Flags().StringVar(&password, "password", "", "password")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.app.kv.Delete(cmd.Context(), persist.KeyAuthToken); err != nil {
				return fmt.Errorf("remove token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipApp: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
