package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"diagramsync/internal/app"
	"diagramsync/internal/model"
)

const timeFormat = "2006-01-02 15:04:05"

// project command
var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		providerName, _ := cmd.Flags().GetString("provider")
		repo, _ := cmd.Flags().GetString("repo")
		return withApp(cmd, "project add", func(ctx context.Context, a *app.App) error {
			p, err := a.AddProject(ctx, args[0], model.GitProvider(providerName), repo)
			if err != nil {
				return fmt.Errorf("adding project: %w", err)
			}
			fmt.Printf("Created project %q (#%d)\n", p.Name, p.ID)
			if p.IsRemote() {
				fmt.Printf("Linked to %s:%s; run 'dsync sync' to push\n", p.GitProvider, p.RepositoryPath)
			}
			return nil
		})
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "project list", func(ctx context.Context, a *app.App) error {
			projects, err := a.ListProjects(ctx)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects.")
				return nil
			}
			for _, p := range projects {
				fmt.Printf("#%-4d %-24s %-10s %s\n", p.ID, p.Name, p.GitProvider, p.RepositoryPath)
			}
			return nil
		})
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show a project and its diagrams",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "project show", func(ctx context.Context, a *app.App) error {
			p, diagrams, err := a.Project(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Project:  %s (#%d)\n", p.Name, p.ID)
			fmt.Printf("Provider: %s\n", p.GitProvider)
			if p.IsRemote() {
				fmt.Printf("Repo:     %s\n", p.RepositoryPath)
			}
			fmt.Printf("Created:  %s\n", p.CreatedAt.Local().Format(timeFormat))
			fmt.Printf("Updated:  %s\n\n", p.UpdatedAt.Local().Format(timeFormat))
			for _, d := range diagrams {
				synced := "unsynced"
				if d.LastModifiedRemoteSHA != "" {
					synced = d.LastModifiedRemoteSHA[:min(12, len(d.LastModifiedRemoteSHA))]
				}
				fmt.Printf("  %-32s %6d bytes  %s\n", d.Title, len(d.Content), synced)
			}
			return nil
		})
	},
}

var projectEditCmd = &cobra.Command{
	Use:   "edit NAME",
	Short: "Rename or relink a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var changes app.ProjectChanges
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			changes.Name = &name
		}
		if cmd.Flags().Changed("provider") {
			name, _ := cmd.Flags().GetString("provider")
			gp := model.GitProvider(name)
			changes.GitProvider = &gp
		}
		if cmd.Flags().Changed("repo") {
			repo, _ := cmd.Flags().GetString("repo")
			changes.Repository = &repo
		}
		if changes == (app.ProjectChanges{}) {
			return errors.New("nothing to change: pass --name, --provider or --repo")
		}
		return withApp(cmd, "project edit", func(ctx context.Context, a *app.App) error {
			p, err := a.EditProject(ctx, args[0], changes)
			if err != nil {
				return fmt.Errorf("editing project: %w", err)
			}
			fmt.Printf("Updated project %q\n", p.Name)
			return nil
		})
	},
}

var projectRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Delete a project and its diagrams",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "project rm", func(ctx context.Context, a *app.App) error {
			if err := a.RemoveProject(ctx, args[0]); err != nil {
				return fmt.Errorf("removing project: %w", err)
			}
			fmt.Printf("Removed project %q\n", args[0])
			return nil
		})
	},
}

// diagram command
var diagramCmd = &cobra.Command{
	Use:   "diagram",
	Short: "Manage diagrams",
}

var diagramAddCmd = &cobra.Command{
	Use:   "add PROJECT TITLE",
	Short: "Add a diagram",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, _, err := readContent(cmd)
		if err != nil {
			return err
		}
		return withApp(cmd, "diagram add", func(ctx context.Context, a *app.App) error {
			d, err := a.AddDiagram(ctx, args[0], args[1], content)
			if err != nil {
				return fmt.Errorf("adding diagram: %w", err)
			}
			fmt.Printf("Added diagram %q (#%d)\n", d.Title, d.ID)
			return nil
		})
	},
}

var diagramListCmd = &cobra.Command{
	Use:   "list PROJECT",
	Short: "List the diagrams of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "diagram list", func(ctx context.Context, a *app.App) error {
			diagrams, err := a.ListDiagrams(ctx, args[0])
			if err != nil {
				return err
			}
			if len(diagrams) == 0 {
				fmt.Println("No diagrams.")
				return nil
			}
			for _, d := range diagrams {
				fmt.Printf("#%-4d %-32s %s\n", d.ID, d.Title, d.UpdatedAt.Local().Format(timeFormat))
			}
			return nil
		})
	},
}

var diagramShowCmd = &cobra.Command{
	Use:   "show PROJECT TITLE",
	Short: "Print a diagram's content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "diagram show", func(ctx context.Context, a *app.App) error {
			d, err := a.Diagram(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(d.Content)
			return nil
		})
	},
}

var diagramEditCmd = &cobra.Command{
	Use:   "edit PROJECT TITLE",
	Short: "Retitle or rewrite a diagram",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var changes app.DiagramChanges
		if cmd.Flags().Changed("title") {
			title, _ := cmd.Flags().GetString("title")
			changes.Title = &title
		}
		content, ok, err := readContent(cmd)
		if err != nil {
			return err
		}
		if ok {
			changes.Content = &content
		}
		if changes == (app.DiagramChanges{}) {
			return errors.New("nothing to change: pass --title, --content or --file")
		}
		return withApp(cmd, "diagram edit", func(ctx context.Context, a *app.App) error {
			d, err := a.EditDiagram(ctx, args[0], args[1], changes)
			if err != nil {
				return fmt.Errorf("editing diagram: %w", err)
			}
			fmt.Printf("Updated diagram %q\n", d.Title)
			return nil
		})
	},
}

var diagramRmCmd = &cobra.Command{
	Use:   "rm PROJECT TITLE",
	Short: "Delete a diagram",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "diagram rm", func(ctx context.Context, a *app.App) error {
			if err := a.RemoveDiagram(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("removing diagram: %w", err)
			}
			fmt.Printf("Removed diagram %q\n", args[1])
			return nil
		})
	},
}

func init() {
	projectCmd.AddCommand(projectAddCmd)
	projectAddCmd.Flags().String("provider", string(model.ProviderLocal), "Git provider (local, github, gitlab, or a configured name)")
	projectAddCmd.Flags().String("repo", "", "Repository path as owner/repo")
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectEditCmd)
	projectEditCmd.Flags().String("name", "", "New project name")
	projectEditCmd.Flags().String("provider", "", "New git provider")
	projectEditCmd.Flags().String("repo", "", "New repository path")
	projectCmd.AddCommand(projectRmCmd)

	diagramCmd.AddCommand(diagramAddCmd)
	diagramCmd.AddCommand(diagramListCmd)
	diagramCmd.AddCommand(diagramShowCmd)
	diagramCmd.AddCommand(diagramEditCmd)
	diagramCmd.AddCommand(diagramRmCmd)
	diagramEditCmd.Flags().String("title", "", "New title")
	for _, c := range []*cobra.Command{diagramAddCmd, diagramEditCmd} {
		c.Flags().StringP("file", "f", "", "Read content from a file, - for stdin")
		c.Flags().StringP("content", "c", "", "Content text")
	}
}
