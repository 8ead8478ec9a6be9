package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mediaforge/backend/internal/auth"
	"github.com/mediaforge/backend/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply River and application migrations, then exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := database.Connect(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return database.Migrate(cmd.Context(), pool, logger)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the timeout and deletion sweeps once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		timeouts, err := a.orch.SweepTimeouts(cmd.Context())
		if err != nil {
			return fmt.Errorf("timeout sweep: %w", err)
		}
		deletions, err := a.history.SweepDeletions(cmd.Context())
		if err != nil {
			return fmt.Errorf("deletion sweep: %w", err)
		}
		logger.Info("sweep finished",
			"timed_out", timeouts.TimedOut, "rescheduled", timeouts.Rescheduled,
			"assets_deleted", deletions.Deleted, "deletions_retried", deletions.Rescheduled, "deletions_dropped", deletions.Dropped)
		return nil
	},
}

var tokenOpts struct {
	subject string
	email   string
	name    string
	admin   bool
	ttl     time.Duration
}

// tokenCmd signs a bearer token with JWT_SECRET for local development.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed bearer token for local development",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Production() {
			return fmt.Errorf("token: refusing to mint tokens when APP_ENV=production")
		}
		svc, err := auth.NewService(nil, nil, nil, auth.Options{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
		if err != nil {
			return err
		}
		token, err := svc.IssueToken(auth.Identity{
			ExternalID: tokenOpts.subject,
			Email:      tokenOpts.email,
			Name:       tokenOpts.name,
			Admin:      tokenOpts.admin,
		}, tokenOpts.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var reconcileUser string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Check that a user's balance equals the sum of their ledger entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, err := uuid.Parse(reconcileUser)
		if err != nil {
			return fmt.Errorf("--user: %w", err)
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, balance, err := a.ledger.Reconcile(cmd.Context(), userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %s: ledger sum %d, balance %d\n", userID, sum, balance)
		if sum != balance {
			return fmt.Errorf("ledger does not reconcile")
		}
		return nil
	},
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenOpts.subject, "sub", "dev-user", "external user id (token subject)")
	f.StringVar(&tokenOpts.email, "email", "dev@example.com", "email claim")
	f.StringVar(&tokenOpts.name, "name", "Dev User", "display name claim")
	f.BoolVar(&tokenOpts.admin, "admin", false, "grant the admin claim")
	f.DurationVar(&tokenOpts.ttl, "ttl", 24*time.Hour, "token lifetime")

	reconcileCmd.Flags().StringVar(&reconcileUser, "user", "", "user id to check")
	_ = reconcileCmd.MarkFlagRequired("user")
}
