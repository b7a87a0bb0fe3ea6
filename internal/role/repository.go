package role

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *Role. Every method that scans into a Role must
// select these columns in this exact order. See scanRole.
const selectColumns = "id, name, description, scope, permissions, builtin"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed role repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// List returns all roles ordered by name.
func (r *PGRepository) List(ctx context.Context) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM roles ORDER BY name", selectColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GetByID returns the role matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Role, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE id = $1", selectColumns), id,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role by id: %w", err)
	}
	return role, nil
}

// GetByName returns the role with the given (unique) name.
func (r *PGRepository) GetByName(ctx context.Context, name string) (*Role, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE name = $1", selectColumns), name,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role by name: %w", err)
	}
	return role, nil
}

// Create inserts a new role.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Role, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO roles (id, name, description, scope, permissions)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING %s`, selectColumns),
		uuid.New(), params.Name, params.Description, params.Scope, params.Permissions,
	)
	role, err := scanRole(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert role: %w", err)
	}
	return role, nil
}

// Update applies the non-nil fields in params to the role row and returns the updated role. Builtin roles are refused.
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Role, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Description != nil {
		setClauses = append(setClauses, "description = @description")
		namedArgs["description"] = *params.Description
	}
	if params.Permissions != nil {
		setClauses = append(setClauses, "permissions = @permissions")
		namedArgs["permissions"] = *params.Permissions
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	query := "UPDATE roles SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id AND NOT builtin RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.notFoundOrBuiltin(ctx, id)
		}
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("update role: %w", err)
	}
	return role, nil
}

// Delete removes the role with the given ID. Builtin roles are refused.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM roles WHERE id = $1 AND NOT builtin", id)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.notFoundOrBuiltin(ctx, id)
	}
	return nil
}

// notFoundOrBuiltin distinguishes "role does not exist" from "role is builtin
// and therefore immutable" after a guarded write matched no rows.
func (r *PGRepository) notFoundOrBuiltin(ctx context.Context, id uuid.UUID) error {
	var builtin bool
	err := r.db.QueryRow(ctx, "SELECT builtin FROM roles WHERE id = $1", id).Scan(&builtin)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check role existence: %w", err)
	}
	return ErrBuiltinImmutable
}

// AssignServer grants a server-scoped role to a user.
func (r *PGRepository) AssignServer(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_roles_server (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, roleID)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("assign server role: %w", err)
	}
	return nil
}

// UnassignServer revokes a server-scoped role from a user.
func (r *PGRepository) UnassignServer(ctx context.Context, userID, roleID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM user_roles_server WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("unassign server role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignChannel grants a channel-scoped role to a user within one channel.
func (r *PGRepository) AssignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO user_roles_channel (user_id, role_id, channel_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		userID, roleID, channelID)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("assign channel role: %w", err)
	}
	return nil
}

// UnassignChannel revokes a channel-scoped role from a user within one channel.
func (r *PGRepository) UnassignChannel(ctx context.Context, userID, roleID, channelID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM user_roles_channel WHERE user_id = $1 AND role_id = $2 AND channel_id = $3`,
		userID, roleID, channelID)
	if err != nil {
		return fmt.Errorf("unassign channel role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ServerPermissions returns the union of permission sets granted by the
// user's server-scoped role assignments.
func (r *PGRepository) ServerPermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT unnest(r.permissions) FROM roles r
		 JOIN user_roles_server ur ON r.id = ur.role_id
		 WHERE ur.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query server permissions: %w", err)
	}
	return collectStrings(rows)
}

// ChannelPermissions returns the union of permission sets granted by the
// user's role assignments within one channel.
func (r *PGRepository) ChannelPermissions(ctx context.Context, userID, channelID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT unnest(r.permissions) FROM roles r
		 JOIN user_roles_channel ur ON r.id = ur.role_id
		 WHERE ur.user_id = $1 AND ur.channel_id = $2`, userID, channelID)
	if err != nil {
		return nil, fmt.Errorf("query channel permissions: %w", err)
	}
	return collectStrings(rows)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// scanRole scans a single row into a *Role. The row must contain the columns listed in selectColumns.
func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Scope, &role.Permissions, &role.Builtin)
	if err != nil {
		return nil, fmt.Errorf("scan role: %w", err)
	}
	return &role, nil
}
