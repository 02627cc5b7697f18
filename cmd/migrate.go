package cmd

import (
	"context"
	"errors"
	"fmt"

	"example.com/backstage/services/branchops/internal/core"
	"example.com/backstage/services/branchops/internal/infrastructure"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies the schema for every table and seeds the bootstrap admin account on an empty user table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("Migrating models...")
	for _, model := range core.AllModels() {
		if err := db.Migrate(model); err != nil {
			return err
		}
		logger.Infof("Migrated %T", model)
	}

	store := core.NewDataStore(db.DB)
	if err := seedAdmin(ctx, core.NewUserService(store, cfg.Auth.BcryptCost, logger), store); err != nil {
		logger.WithError(err).Warn("Failed to insert bootstrap admin")
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

// seedAdmin creates the first admin so the dashboard can be reached at all.
func seedAdmin(ctx context.Context, users *core.UserService, store core.DataStore) error {
	existing, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	if cfg.Auth.BootstrapAdminPassword == "" {
		return errors.New("no users exist and auth.bootstrap_admin_password is not set")
	}

	admin, err := users.CreateUser(ctx, core.UserInput{
		EmpName:  "Administrator",
		Username: cfg.Auth.BootstrapAdminUsername,
		Password: cfg.Auth.BootstrapAdminPassword,
		Role:     core.RoleAdmin,
	})
	if err != nil {
		return err
	}

	logger.WithField("username", admin.Username).Info("Created bootstrap admin")
	return nil
}
