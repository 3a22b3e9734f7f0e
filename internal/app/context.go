package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

// Bootstrap opens the workspace database, applies migrations, loads
// gateline.yml (writing the default when absent) and seeds the
// governance catalog from it. Every entrypoint goes through here so
// CLI and server always agree on workspace state.
func Bootstrap(ctx context.Context, workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default("default")
		if err := WriteDefaultConfig(workspace, cfg.Governance.ID); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	r := repo.Repo{DB: conn}
	if err := r.SeedCatalog(ctx, cfg); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("seed catalog: %w", err)
	}
	return conn, cfg, nil
}

// WriteDefaultConfig writes the default gateline.yml if none exists.
func WriteDefaultConfig(workspace, governanceID string) error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(config.GenerateDefault(governanceID)), 0o644)
}
