package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"propsync/internal/app"
	"propsync/internal/config"
	"propsync/internal/export"
	"propsync/internal/httpapi"
	"propsync/internal/model"
	"propsync/internal/propsync"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found")
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "FetchAll", "Serve").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	paths, err := app.ResolvePaths(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	config.ApplyEnv(cfg)

	a, err := app.New(ctx, cfg, app.Options{
		Operation:  operation,
		Passphrase: passphraseSource(os.Stderr),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// withApp runs fn against a fresh App and records its outcome.
func withApp(cmd *cobra.Command, operation string, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, operation)
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(ctx, a)
	a.Finish(err)
	return err
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

var rootCmd = &cobra.Command{
	Use:          "propsync",
	Short:        "Offline-first sync for listings and storage units",
	SilenceUsage: true,
}

// configPath is the --config flag; empty means $PROPSYNC_CONFIG_PATH or the
// default location.
var configPath string

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.ResolvePaths(configPath)
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg := config.NewConfig(paths.BaseDir)
		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		fmt.Printf("Remote:   %s (%s)\n", cfg.Remote.Type, cfg.Remote.FSRoot)
		fmt.Printf("Cache:    %s (%s)\n", cfg.Cache.Type, cfg.Cache.DataDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.ResolvePaths(configPath)
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Remote:     %s\n", cfg.Remote.Type)
		fmt.Printf("Cache:      %s (max %d bytes)\n", cfg.Cache.Type, cfg.Cache.MaxSize)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		fmt.Printf("Server:     %s\n", cfg.Server.Addr)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage cache encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the cache key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.ResolvePaths(configPath)
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}
		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		pass, err := newPassphrase(os.Stderr)
		if err != nil {
			return err
		}
		if err := app.InitKeys(cfg.Encryption, pass); err != nil {
			return err
		}
		fmt.Printf("Keys written to %s\n", cfg.Encryption.PublicKeyPath)
		return nil
	},
}

// seed command
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Reconcile the remote store with the bundled defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Seed", func(ctx context.Context, a *app.App) error {
			reports, err := a.Seed(ctx)
			for _, kind := range a.Kinds() {
				r := reports[kind]
				fmt.Printf("%-10s saved:%d updated:%d deleted:%d\n", kind, r.Saved, r.Updated, r.Deleted)
			}
			return err
		})
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch KIND",
	Short: "Print live snapshots of a collection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Watch", func(ctx context.Context, a *app.App) error {
			s, err := a.Synchronizer(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			for entities := range s.Stream(ctx) {
				fmt.Printf("%d %s\n", len(entities), args[0])
				printEntities(entities)
			}
			return nil
		})
	},
}

// outbox command
var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and replay writes saved while offline",
}

var outboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending offline writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "OutboxStatus", func(ctx context.Context, a *app.App) error {
			statuses, err := a.OutboxStatus(ctx)
			if err != nil {
				return err
			}
			for _, st := range statuses {
				oldest := "-"
				if !st.Oldest.IsZero() {
					oldest = st.Oldest.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-20s pending:%-4d oldest:%s  %s\n", st.Namespace, st.Pending, oldest, st.LastError)
			}
			return nil
		})
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay pending offline writes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "FlushOutbox", func(ctx context.Context, a *app.App) error {
			reports, err := a.FlushOutbox(ctx)
			for _, kind := range a.Kinds() {
				r := reports[kind]
				fmt.Printf("%-10s replayed:%d dropped:%d remaining:%d\n", kind, r.Replayed, r.Dropped, r.Remaining)
			}
			return err
		})
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export KIND",
	Short: "Export a collection to an .xlsx workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = args[0] + ".xlsx"
		}
		return withApp(cmd, "Export", func(ctx context.Context, a *app.App) error {
			s, err := a.Synchronizer(args[0])
			if err != nil {
				return err
			}
			entities, source := s.FetchAllWithSource(ctx)
			err = export.SaveXLSX(out, export.Report{
				Kind:       args[0],
				Source:     string(source),
				ExportedAt: propsync.RealClock{}.Now(),
				Entities:   entities,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d %s from %s to %s\n", len(entities), args[0], source, out)
			return nil
		})
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and replay offline writes in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "Serve", func(_ context.Context, a *app.App) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			serverCfg := a.Config().Server
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				serverCfg.Addr = addr
			}
			a.StartBackground(ctx)
			fmt.Printf("Listening on %s\n", serverCfg.Addr)
			return httpapi.NewServer(a, serverCfg, a.Logger()).Run(ctx)
		})
	},
}

func printEntities(entities []model.Entity) {
	for _, e := range entities {
		fmt.Printf("%-24s %-12s %s  %v  %v\n",
			e.ID,
			e.Availability,
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Attr("title"),
			e.Attr("price"),
		)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $PROPSYNC_CONFIG_PATH or ~/.config/propsync.toml)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// outbox subcommands
	outboxCmd.AddCommand(outboxStatusCmd)
	outboxCmd.AddCommand(outboxFlushCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(newEntityCmd("listings", "Manage property listings"))
	rootCmd.AddCommand(newEntityCmd("units", "Manage storage units"))
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("out", "o", "", "Output file (default KIND.xlsx)")
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
}
