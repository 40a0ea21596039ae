package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"shotline/internal/settings"
)

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var email string
	var jobDir string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the review portal and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			email = strings.TrimSpace(email)
			if email == "" {
				fmt.Fprint(cmd.OutOrStdout(), "email: ")
				reader := bufio.NewReader(cmd.InOrStdin())
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read email: %w", err)
				}
				email = strings.TrimSpace(line)
			}
			if email == "" {
				return fmt.Errorf("email is required")
			}

			password, err := readPassword(cmd)
			if err != nil {
				return err
			}

			client, err := ctx.portalClient()
			if err != nil {
				return err
			}
			result, err := client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}

			if jobDir == "" {
				jobDir = cfg.Paths.StagingDir
			}
			orgDir := settings.DeriveJobDirectory(jobDir, result.OrganizationName)
			if err := os.MkdirAll(orgDir, 0o755); err != nil {
				return fmt.Errorf("create job directory %q: %w", orgDir, err)
			}

			session := &settings.Session{
				OrganizationName:      result.OrganizationName,
				OrganizationDirectory: orgDir,
				Username:              email,
				APIKey:                result.Token,
				Profile:               result.Profile,
				UploadEnabled:         cfg.Upload.EnabledDefault,
			}
			if err := settings.Save(cfg.SessionPath(), session); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s as %s\n", result.OrganizationName, email)
			fmt.Fprintf(cmd.OutOrStdout(), "Job directory: %s\n", orgDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Portal account email")
	cmd.Flags().StringVar(&jobDir, "job-dir", "", "Job directory for exported shots (defaults to the staging directory)")
	return cmd
}

func readPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.OutOrStdout(), "password: ")
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(secret), nil
	}
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored portal session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := settings.Delete(cfg.SessionPath()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}
