package repo

import (
	"context"
	"time"

	"gateline/internal/config"
)

// SeedCatalog applies the governance catalog from the config file:
// status types, milestone definitions and role grants. Idempotent, so
// it can run on every startup.
func (r Repo) SeedCatalog(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for id, st := range cfg.StatusTypes {
		selectable := true
		if st.Selectable != nil {
			selectable = *st.Selectable
		}
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO status_types(id,name,is_approved,selectable,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, is_approved=excluded.is_approved, selectable=excluded.selectable`,
			id, st.Name, st.Approved, selectable, now); err != nil {
			return err
		}
	}
	for id, m := range cfg.Milestones {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO milestone_definitions(id,name,short_name,default_status_type_id,position,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, short_name=excluded.short_name, default_status_type_id=excluded.default_status_type_id, position=excluded.position`,
			id, m.Name, m.ShortName, m.DefaultStatus, m.Position, now); err != nil {
			return err
		}
	}
	for roleID, role := range cfg.RBAC.Roles {
		if err := r.InsertRole(ctx, roleID, role.Description); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, perm, ""); err != nil {
				return err
			}
			if err := r.AddRolePermission(ctx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return nil
}
