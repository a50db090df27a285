package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"phasegate/internal/app"
	"phasegate/internal/domain"
	"phasegate/internal/notify"
	"phasegate/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowActorHeader {
				return fmt.Errorf("PHASEGATE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Version:  version,
					Logger:   a.Logger.With("component", "http"),
					Auth: server.AuthConfig{
						JWTSecret:              secret,
						AllowLegacyActorHeader: allowActorHeader,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.InfoContext(gctx, "serving phasegate API",
						"addr", addr, "base_path", basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if d := notify.New(a.Engine.Reader, a.Config, a.Logger.With("component", "notify")); d != nil {
					g.Go(func() error { return d.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token (local development only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint a bearer token for an actor (signed with PHASEGATE_JWT_SECRET)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				who, err := a.Engine.WhoAmI(ctx, args[0])
				if err != nil {
					return err
				}
				token, err := server.SignToken(viper.GetString("jwt-secret"), who.ID, []string{string(who.Role)}, ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"actor_id": who.ID, "token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys for automation (sent as X-Api-Key)",
	}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyRevokeCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Issue a key that acts as the given actor; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, secret, err := a.Engine.IssueAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if keys == nil {
						keys = []domain.APIKey{}
					}
					return printJSON(keys)
				}
				renderKeys(keys)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}
