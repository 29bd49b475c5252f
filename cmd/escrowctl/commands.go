package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coop-market/backend/internal/app"
	"github.com/coop-market/backend/internal/auth"
	"github.com/coop-market/backend/internal/config"
	"github.com/coop-market/backend/internal/db"
	"github.com/coop-market/backend/internal/rbac"
	"github.com/coop-market/backend/internal/services"
	"github.com/coop-market/backend/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// operator is the principal escrowctl acts as.
var operator = services.Caller{UserID: "escrowctl", Role: rbac.RoleAdmin}

// withRuntime loads config, builds the service against postgres and runs fn.
func withRuntime(ctx context.Context, fn func(rt *app.Runtime, cfg *config.Config, log *zap.Logger) error) error {
	cfg := config.Load()
	log := config.NewLogger(cfg)
	defer log.Sync()

	if cfg.StoreDriver == config.StoreDriverMemory {
		return fmt.Errorf("escrowctl needs STORE_DRIVER=postgres")
	}
	rt, err := app.Build(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt, cfg, log)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [escrow-id]",
		Short: "Reconcile one escrow with the payment gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ *config.Config, _ *zap.Logger) error {
				e, err := rt.Service.Sync(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
}

func syncPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync-pending",
		Short: "Reconcile every non-terminal escrow older than --stale-after",
		RunE: func(cmd *cobra.Command, args []string) error {
			staleAfter, _ := cmd.Flags().GetDuration("stale-after")
			limit, _ := cmd.Flags().GetInt("limit")
			return withRuntime(cmd.Context(), func(rt *app.Runtime, cfg *config.Config, _ *zap.Logger) error {
				if limit <= 0 {
					limit = cfg.SyncBatchSize
				}
				examined, changed, err := rt.Service.SyncPending(cmd.Context(), time.Now().Add(-staleAfter), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "examined %d, changed %d\n", examined, changed)
				return nil
			})
		},
	}

	cmd.Flags().Duration("stale-after", 0, "Only escrows not updated for this long")
	cmd.Flags().IntP("limit", "n", 0, "Maximum escrows to examine (default SYNC_BATCH_SIZE)")

	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [escrow-id]",
		Short: "Print the stored escrow without contacting the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ *config.Config, _ *zap.Logger) error {
				e, err := rt.Service.Get(cmd.Context(), args[0], operator)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events [escrow-id]",
		Short: "Print the audit log of an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ *config.Config, _ *zap.Logger) error {
				evs, err := rt.Service.Events(cmd.Context(), args[0], operator)
				if err != nil {
					return err
				}
				for _, ev := range evs {
					payload, _ := json.Marshal(ev.Payload)
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-36s  %s\n",
						ev.CreatedAt.Format(time.RFC3339), ev.Type, payload)
				}
				return nil
			})
		},
	}
}

func unreferencedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unreferenced",
		Short: "List escrows awaiting payment whose gateway hold reference was never stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ *config.Config, _ *zap.Logger) error {
				escrows, err := rt.Service.Unreferenced(cmd.Context(), time.Now().Add(-olderThan), limit)
				if err != nil {
					return err
				}
				for _, e := range escrows {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  rfq=%s  buyer=%s  amount=%s %s  created=%s\n",
						e.ID, e.RFQID, e.BuyerID, e.Amount.String(), e.Currency, e.CreatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cmd.Flags().Duration("older-than", 10*time.Minute, "Skip escrows created more recently than this")
	cmd.Flags().IntP("limit", "n", 100, "Maximum escrows to list")

	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [escrow-id]",
		Short: "Cancel an escrow that is still awaiting payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *app.Runtime, _ *config.Config, _ *zap.Logger) error {
				e, err := rt.Service.Cancel(cmd.Context(), args[0], operator)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), e)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if !rbac.IsKnownRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}

			cfg := config.Load()
			if ttl <= 0 {
				ttl = cfg.JWTExpiration
			}
			tok, err := auth.GenerateJWT(cfg.JWTSecret, userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringP("user", "u", "", "User id (token subject)")
	cmd.Flags().StringP("role", "r", rbac.RoleBuyer, "Role: buyer, cooperative, inspector or admin")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default JWT_EXPIRATION_HOURS)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			statusOnly, _ := cmd.Flags().GetBool("status")

			cfg := config.Load()
			log := config.NewLogger(cfg)
			defer log.Sync()

			pool, err := db.NewPostgresPool(cmd.Context(), cfg.PostgresDSN, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !statusOnly {
				applied, err := db.RunMigrations(cmd.Context(), pool, migrations.FS, log)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
			}

			statuses, err := db.Migrations(cmd.Context(), pool, migrations.FS)
			if err != nil {
				return err
			}
			for _, st := range statuses {
				mark := "pending"
				if st.Applied {
					mark = "applied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", mark, st.Version)
			}
			return nil
		},
	}

	cmd.Flags().Bool("status", false, "Only list migrations and their state")

	return cmd
}
