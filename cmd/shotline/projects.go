package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProjectsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List the projects available in the portal organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := ctx.session()
			if err != nil {
				return err
			}
			if !session.LoggedIn() {
				return fmt.Errorf("not logged in; run `shotline login` first")
			}

			client, err := ctx.portalClient()
			if err != nil {
				return err
			}
			projects, err := client.ListProjects(cmd.Context(), session.Credential())
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No projects found.")
				return nil
			}

			rows := make([][]string, 0, len(projects))
			for _, project := range projects {
				rows = append(rows, []string{project.ID, project.Name})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Name"},
				rows,
				[]columnAlignment{alignRight, alignLeft},
			))
			return nil
		},
	}
}
