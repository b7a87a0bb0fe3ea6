// Package bootstrap performs first-run initialization: seeding the builtin
// roles and stamping the server_state marker row. It runs before the HTTP
// listener starts and is idempotent.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/postgres"
	"github.com/quiethall/quiethall-server/internal/role"
)

// BuiltinRole seeds one immutable role.
type BuiltinRole struct {
	Name        string
	Description string
	Scope       string
	Permissions []string
}

// BuiltinRoles are created on first run. They cannot be edited or deleted,
// only assigned.
var BuiltinRoles = []BuiltinRole{
	{
		Name:        "admin",
		Description: "Full control over the server",
		Scope:       role.ScopeServer,
		Permissions: []string{
			role.PermServerManage,
			role.PermChannelCreate,
			role.PermChannelManage,
			role.PermUserAdd,
			role.PermUserKick,
			role.PermRoleCreate,
			role.PermRoleEdit,
			role.PermRoleDelete,
			role.PermRoleAssign,
			role.PermMemberView,
		},
	},
	{
		Name:        "moderator",
		Description: "Channel and membership management",
		Scope:       role.ScopeServer,
		Permissions: []string{
			role.PermChannelCreate,
			role.PermChannelManage,
			role.PermUserAdd,
			role.PermUserKick,
			role.PermMemberView,
		},
	},
	{
		Name:        "member",
		Description: "Default participation rights",
		Scope:       role.ScopeServer,
		Permissions: []string{
			role.PermMemberView,
		},
	},
}

// IsFirstRun reports whether the server_state marker row is absent.
func IsFirstRun(ctx context.Context, db *pgxpool.Pool) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM server_state WHERE id = 1)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check first run: %w", err)
	}
	return !exists, nil
}

// Run seeds the builtin roles and stamps server_state in one transaction.
// Calling it on an initialized server is a no-op.
func Run(ctx context.Context, db *pgxpool.Pool, log zerolog.Logger) error {
	first, err := IsFirstRun(ctx, db)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	err = postgres.WithTx(ctx, db, func(tx pgx.Tx) error {
		for _, r := range BuiltinRoles {
			_, err := tx.Exec(ctx,
				`INSERT INTO roles (id, name, description, scope, permissions, builtin)
				 VALUES ($1, $2, $3, $4, $5, TRUE)
				 ON CONFLICT (name) DO NOTHING`,
				uuid.New(), r.Name, r.Description, r.Scope, r.Permissions)
			if err != nil {
				return fmt.Errorf("seed role %q: %w", r.Name, err)
			}
		}

		if _, err := tx.Exec(ctx, `INSERT INTO server_state (id) VALUES (1)`); err != nil {
			return fmt.Errorf("stamp server state: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("roles", len(BuiltinRoles)).Msg("first-run initialization complete")
	return nil
}
