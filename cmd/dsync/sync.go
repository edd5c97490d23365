package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"diagramsync/internal/app"
	"diagramsync/internal/dsync"
)

// import command
var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import a diagram file or a project document",
	Long: `Import a plain diagram file into an existing project (--project), or a
JSON project document as a new project (--project renames it).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName, _ := cmd.Flags().GetString("project")
		return withApp(cmd, "import", func(ctx context.Context, a *app.App) error {
			res, err := a.Import(ctx, args[0], projectName)
			if err != nil {
				return fmt.Errorf("importing %s: %w", args[0], err)
			}
			for _, d := range res.Created {
				fmt.Printf("Added   %s/%s\n", res.Project.Name, d.Title)
			}
			for _, d := range res.Updated {
				fmt.Printf("Updated %s/%s\n", res.Project.Name, d.Title)
			}
			if len(res.Created)+len(res.Updated) == 0 {
				fmt.Println("Nothing changed.")
			}
			return nil
		})
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export PROJECT [TITLE]",
	Short: "Export a project document or one diagram's content",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		simple, _ := cmd.Flags().GetBool("simple")
		output, _ := cmd.Flags().GetString("output")
		return withApp(cmd, "export", func(ctx context.Context, a *app.App) error {
			var data []byte
			if len(args) == 2 {
				content, err := a.ExportDiagram(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				data = []byte(content)
			} else {
				doc, err := a.ExportProject(ctx, args[0], !simple)
				if err != nil {
					return err
				}
				data = append(doc, '\n')
			}

			if output == "" || output == "-" {
				_, err := os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("writing %s: %w", output, err)
			}
			fmt.Fprintf(os.Stderr, "Exported to %s\n", output)
			return nil
		})
	},
}

// queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending sync operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "queue list", func(ctx context.Context, a *app.App) error {
			items, err := a.Queue(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, item := range items {
				target := item.Payload.Path
				if target == "" {
					target = item.Payload.Repository
				}
				fmt.Printf("#%-5d project:%-4d %-7s %-7s %-40s attempts:%d\n",
					item.ID, item.ProjectID, item.TargetKind, item.Operation, target, item.Attempts)
				if item.LastError != "" {
					fmt.Printf("       last error: %s\n", item.LastError)
				}
			}
			return nil
		})
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync [PROJECT]",
	Short: "Push pending changes to the remotes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName := ""
		if len(args) > 0 {
			projectName = args[0]
		}
		return withApp(cmd, "sync", func(ctx context.Context, a *app.App) error {
			events, unsubscribe := a.Subscribe(64)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range events {
					switch ev.Kind {
					case dsync.EventItemSynced:
						fmt.Printf("  synced %s\n", ev.Path)
					case dsync.EventItemFailed:
						fmt.Printf("  failed %s: %v\n", ev.Path, ev.Err)
					}
				}
			}()

			results, err := a.Sync(ctx, projectName)
			unsubscribe()
			<-done

			for _, res := range results {
				if res == nil {
					continue
				}
				fmt.Printf("project #%d: %d synced, %d remaining\n", res.ProjectID, res.Synced, res.Remaining)
			}
			if len(results) == 0 {
				fmt.Println("Nothing to sync.")
			}
			if err != nil {
				return fmt.Errorf("sync incomplete: %s", describe(err))
			}
			return nil
		})
	},
}

// describe adds the user action a sync failure needs.
func describe(err error) string {
	switch dsync.Classify(err) {
	case "conflict":
		return fmt.Sprintf("%v (the remote file changed; resolve it and edit the diagram again)", err)
	case "permission":
		return fmt.Sprintf("%v (check the token with 'dsync auth set')", err)
	case "transient":
		return fmt.Sprintf("%v (kept in the queue; retrying on the next sync)", err)
	default:
		return err.Error()
	}
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending work and sync state per project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "status", func(ctx context.Context, a *app.App) error {
			summaries, err := a.Status(ctx)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No projects.")
				return nil
			}
			for _, s := range summaries {
				fmt.Printf("%-24s %-8s diagrams:%-4d pending:%-4d %s\n",
					s.Project.Name, s.State, s.Diagrams, s.Pending, s.Project.GitProvider)
				if s.LastError != "" {
					fmt.Printf("  after %d attempt(s): %s\n", s.Attempts, s.LastError)
				}
			}
			return nil
		})
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch [DIR]",
	Short: "Mirror a folder of diagram files into a project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectName, _ := cmd.Flags().GetString("project")
		autoSync, _ := cmd.Flags().GetBool("sync")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.Watch.Dir
		if len(args) > 0 {
			dir = args[0]
		}
		if projectName == "" {
			projectName = cfg.Watch.Project
		}
		if dir == "" || projectName == "" {
			return errors.New("a directory and --project are required (or set watch.dir and watch.project)")
		}

		return withApp(cmd, "watch", func(ctx context.Context, a *app.App) error {
			fmt.Fprintf(os.Stderr, "Watching %s for project %q (Ctrl-C to stop)\n", dir, projectName)
			start := time.Now()
			err := a.Watch(ctx, dir, projectName, autoSync)
			fmt.Fprintf(os.Stderr, "Stopped after %s\n", time.Since(start).Truncate(time.Second))
			return err
		})
	},
}

func init() {
	importCmd.Flags().StringP("project", "p", "", "Target project for diagram files, new name for project documents")
	exportCmd.Flags().Bool("simple", false, "Write the simple record shape instead of JSON-LD")
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	queueCmd.AddCommand(queueListCmd)
	watchCmd.Flags().StringP("project", "p", "", "Project the files belong to")
	watchCmd.Flags().Bool("sync", false, "Sync the project after every change")
}
