package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"integops/cmd/identity"
)

// Default role names. An administrator holds both, which is the protected
// two-role configuration.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// bootstrapAdmin creates the configured administrator if it does not exist yet.
// It does nothing when no bootstrap password is configured.
func bootstrapAdmin(ctx context.Context, cfg Config, dir *identity.Directory, roles identity.RoleStore, log Logger) error {
	if cfg.BootstrapAdminPassword == "" {
		return nil
	}
	username := strings.TrimSpace(cfg.BootstrapAdminUsername)
	if username == "" {
		return errors.New("bootstrap: INTEGOPS_BOOTSTRAP_ADMIN_USERNAME is empty")
	}
	if roles == nil {
		return errors.New("bootstrap: store has no role catalog")
	}

	exists, err := dir.ExistsByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if exists {
		log.Info("bootstrap.admin.exists", "username", username)
		return nil
	}

	rs, err := roles.EnsureRoles(ctx, RoleUser, RoleAdmin)
	if err != nil {
		return fmt.Errorf("bootstrap: ensure roles: %w", err)
	}

	p, err := dir.Create(ctx, identity.Principal{
		Username:    username,
		Password:    cfg.BootstrapAdminPassword,
		DisplayName: "Administrator",
	}, rs...)
	if err != nil {
		// Another replica may have won the race.
		if identity.IsUsernameConflict(err) {
			log.Info("bootstrap.admin.exists", "username", username)
			return nil
		}
		return fmt.Errorf("bootstrap: create admin: %w", err)
	}

	log.Info("bootstrap.admin.created", "principal_id", p.ID, "username", p.Username)
	return nil
}
