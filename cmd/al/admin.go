package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"assessline/internal/app"
	"assessline/internal/config"
	"assessline/internal/domain"
	"assessline/internal/logging"
	"assessline/internal/repo"
	"assessline/internal/server"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkspaceConfig(false)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate assessline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWorkspaceConfig(true)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("config ok: %d frameworks, %d workflow stages\n", len(cfg.Frameworks), len(cfg.Workflow.Stages))
			return nil
		},
	})
	return cmd
}

func loadWorkspaceConfig(required bool) (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	if required {
		return config.Load(viper.GetString("workspace"))
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter assessline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List keys of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				keys, err := s.Engine.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				return printTable(keys, table.Row{"ID", "Actor", "Name", "Created"}, rows)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				s.Logger.Info("api key revoked", "key_id", args[0])
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a key for --actor-id; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := actorID()
			if actor == "" {
				return errors.New("--actor-id required")
			}
			secret := make([]byte, 24)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			plain := "al_" + hex.EncodeToString(secret)
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				tx, err := s.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := s.Engine.Auth.EnsureActor(ctx, tx, actor); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(plain),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := s.Engine.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				s.Logger.Info("api key created", "key_id", key.ID, "actor_id", actor)
				if jsonOutput() {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "key": plain})
				}
				fmt.Printf("key %s for %s\n%s\nStore it now; it is not shown again.\n", key.ID, actor, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowHeader, devLogin bool
	var tokenTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowHeader,
				AllowDevLogin:          devLogin,
				TokenTTL:               tokenTTL,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ASSESSLINE_JWT_SECRET is required for bearer auth")
			}
			logger := logging.Setup(viper.GetString("log-level"), viper.GetString("log-format"))
			authCfg.Logger = logger
			s, err := app.Open(cmd.Context(), app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			defer s.Close()
			handler, err := server.New(server.Config{Engine: s.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					logger.Warn("shutdown", "err", err)
				}
			}()
			logger.Info("serving", "addr", addr, "base_path", basePath)
			fmt.Printf("Serving Assessline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env ASSESSLINE_JWT_SECRET)")
	cmd.Flags().BoolVar(&allowHeader, "allow-actor-header", false, "accept X-Actor-Id without a token (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable /auth/dev/login to mint tokens")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "lifetime of dev-login tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
