package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"diagramsync/internal/app"
	"diagramsync/internal/config"
	"diagramsync/internal/credentials"
	"diagramsync/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

func passphrase() credentials.PassphraseFunc {
	return credentials.Prompt(os.Stdin, os.Stderr, "Credentials passphrase")
}

// withApp reads the config, creates an App for the command and runs fn with
// it. The app is closed afterwards and records whether fn failed.
func withApp(cmd *cobra.Command, command string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.NewApp(cmd.Context(), cfg, command, app.Options{Passphrase: passphrase()})
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	if err := fn(cmd.Context(), a); err != nil {
		a.Fail()
		return err
	}
	return nil
}

// readContent returns diagram content from --file ("-" for stdin) or
// --content. ok is false when neither flag was given.
func readContent(cmd *cobra.Command) (content string, ok bool, err error) {
	file, _ := cmd.Flags().GetString("file")
	if cmd.Flags().Changed("content") {
		text, _ := cmd.Flags().GetString("content")
		return text, true, nil
	}
	if file == "" {
		return "", false, nil
	}

	var data []byte
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", false, fmt.Errorf("reading content: %w", err)
	}
	return string(data), true, nil
}

var rootCmd = &cobra.Command{
	Use:           "dsync",
	Short:         "Diagram store with git remote sync",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
		if err := app.LoadEnv(cwd); err != nil {
			return err
		}
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		return app.LoadEnv(defaults["base_dir"])
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Database:    %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Log Dir:     %s\n", cfg.Log.Dir)
		fmt.Printf("Credentials: %s\n", cfg.Credentials.Path)
		fmt.Printf("Remote Dir:  %s\n", cfg.Sync.RemoteDir)
		fmt.Printf("Workers:     %d\n", cfg.Sync.Workers)
		for _, p := range cfg.Providers {
			fmt.Printf("Provider:    %-10s %-8s %s (token from %s)\n", p.Name, p.Type, p.BaseURL, p.TokenEnv)
		}
		if cfg.Watch.Dir != "" {
			fmt.Printf("Watch:       %s -> %s\n", cfg.Watch.Dir, cfg.Watch.Project)
		}
		return nil
	},
}

// auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage provider tokens",
}

var authSetCmd = &cobra.Command{
	Use:   "set PROVIDER",
	Short: "Store a provider access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := credentials.ReadSecret(os.Stdin, os.Stderr, fmt.Sprintf("Token for %s", args[0]))
		if err != nil {
			return err
		}
		store := credentials.NewStoreFromConfig(cfg, passphrase())
		if err := store.Set(model.GitProvider(args[0]), strings.TrimSpace(token)); err != nil {
			return fmt.Errorf("storing token: %w", err)
		}
		fmt.Printf("Token for %s stored in %s\n", args[0], cfg.Credentials.Path)
		return nil
	},
}

var authRmCmd = &cobra.Command{
	Use:   "rm PROVIDER",
	Short: "Remove a stored provider token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := credentials.NewStoreFromConfig(cfg, passphrase())
		if err := store.Remove(model.GitProvider(args[0])); err != nil {
			return fmt.Errorf("removing token: %w", err)
		}
		fmt.Printf("Token for %s removed\n", args[0])
		return nil
	},
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with a stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := credentials.NewStoreFromConfig(cfg, passphrase())
		names, err := store.Providers()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No stored tokens.")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// auth subcommands
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authRmCmd)
	authCmd.AddCommand(authListCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(diagramCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}
