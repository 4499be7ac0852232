package main

import (
	"errors"
	"fmt"

	"bizinbox/internal/auth"
	"bizinbox/internal/database"
	"bizinbox/internal/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd() *cobra.Command {
	var adminEmail, adminPassword, adminName string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Create or update the database schema.

Examples:
  bizinbox migrate
  bizinbox migrate --admin-email ops@example.com --admin-password 's3cret-pass'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (adminEmail == "") != (adminPassword == "") {
				return errors.New("--admin-email and --admin-password must be given together")
			}
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := database.Open(cfg, log)
			if err != nil {
				return err
			}
			if err := database.Migrate(db); err != nil {
				return err
			}
			log.Info("schema migrated")

			if adminEmail == "" {
				return nil
			}
			issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
			user, err := auth.NewService(db, issuer, log).CreateUser(cmd.Context(), "", auth.UserInput{
				Name:     adminName,
				Email:    adminEmail,
				Password: adminPassword,
				Role:     models.RoleAdmin,
			})
			if errors.Is(err, auth.ErrEmailTaken) {
				log.Info("admin already exists", zap.String("email", adminEmail))
				return nil
			}
			if err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			log.Info("admin created", zap.String("user_id", user.ID), zap.String("email", user.Email))
			return nil
		},
	}
	cmd.Flags().StringVar(&adminEmail, "admin-email", "", "create a platform admin with this email")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "password for the platform admin")
	cmd.Flags().StringVar(&adminName, "admin-name", "Administrator", "display name for the platform admin")
	return cmd
}
