package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cmsflow/internal/app"
	"cmsflow/internal/config"
	"cmsflow/internal/engine"
	"cmsflow/internal/server"
	cmsflowsdk "cmsflow/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "cmsflow",
	Short: "cmsflow editorial workflow CLI",
	Long: `cmsflow moves articles through the editorial pipeline:
pending -> parsing -> parsing_review -> proofreading -> proofreading_review -> ready_to_publish -> publishing -> published.
Any unfinished stage can fail; failed items can be retried from pending.

- Worklist: documents pulled from the content source ('cmsflow sync').
- Issues: proposed edits with code point offsets, imported from analysis ('cmsflow issues import').
- Review: accept, reject or modify each issue; the reconciled text is the original with accepted and
  modified edits applied ('cmsflow review show').
- Apply: write the reconciled text back into the item ('cmsflow item apply').

Workspace settings live in cmsflow.yml; process settings come from flags or CMSFLOW_* variables.
With --server, sync, status and review commands go through the HTTP API instead of the local database.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CMSFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("server", "", "cmsflow API base URL; empty uses the local workspace")
	rootCmd.PersistentFlags().String("api-key", "", "API key for --server")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "server", "api-key", "token", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(issuesCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowLegacy,
					Logger:                 slog.Default(),
				}
				if authCfg.JWTSecret == "" && !allowLegacy {
					return fmt.Errorf("CMSFLOW_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Source:   env.Source(),
					Logger:   slog.Default(),
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, env.Engine, slog.Default())
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				slog.Info("serving cmsflow API",
					slog.String("url", "http://"+addr+basePath),
					slog.String("openapi", basePath+"/openapi.json"),
					slog.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				slog.Info("server stopped")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (deprecated)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull documents from the content source into the worklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remoteClient(); c != nil {
				res, err := c.Sync(cmd.Context())
				if err != nil {
					return err
				}
				return printSyncResult(res.Created, res.Updated, res.Unchanged, res)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Engine.Sync(ctx, env.Source(), actorID())
				if err != nil {
					return err
				}
				return printSyncResult(res.Created, res.Updated, res.Unchanged, res)
			})
		},
	}
}

func printSyncResult(created, updated, unchanged []string, raw any) error {
	if viper.GetBool("json") {
		return printJSON(raw)
	}
	fmt.Printf("created %d, updated %d, unchanged %d\n", len(created), len(updated), len(unchanged))
	for _, id := range created {
		fmt.Println("  +", id)
	}
	for _, id := range updated {
		fmt.Println("  ~", id)
	}
	return nil
}

func apiKeyCmd() *cobra.Command {
	root := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				key, secret, err := env.Engine.CreateAPIKey(ctx, actorID(), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key %s for %s\n%s\n(store it now; it is not shown again)\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	root.AddCommand(create)
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owner := actorID()
				if all {
					owner = ""
				}
				keys, err := e.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "list keys of every actor")
	root.AddCommand(list)
	root.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return root
}

func configCmd() *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	root.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default cmsflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate cmsflow.yml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			fmt.Println("ok:", path)
			return nil
		},
	})
	return root
}

// --- helpers ---

func actorID() string {
	return viper.GetString("actor-id")
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, viper.GetString("workspace"), slog.Default())
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEnv(ctx, func(ctx context.Context, env *app.Env) error {
		return fn(ctx, env.Engine)
	})
}

// remoteClient returns an API client when --server is set.
func remoteClient() *cmsflowsdk.Client {
	base := viper.GetString("server")
	if base == "" {
		return nil
	}
	c := cmsflowsdk.New(base)
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.ActorID = actorID()
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
