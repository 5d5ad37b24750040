package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// PermissionSource resolves the permissions granted to a user.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// Service orchestrates RBAC operations.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// EnsurePermission upserts a permission ensuring description is stored.
func (s *Service) EnsurePermission(ctx context.Context, name, description string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Permission{}, errors.New("rbac: permission name required")
	}
	var p Permission
	err := s.pool.QueryRow(ctx, `INSERT INTO permissions (name, description)
VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
RETURNING id, name, description`, name, strings.TrimSpace(description)).Scan(&p.ID, &p.Name, &p.Description)
	if err != nil {
		return Permission{}, err
	}
	return p, nil
}

// SyncPermissions registers every scope the application checks.
func (s *Service) SyncPermissions(ctx context.Context, scopes []string) error {
	for _, scope := range scopes {
		if _, err := s.EnsurePermission(ctx, scope, scope); err != nil {
			return fmt.Errorf("ensure permission %s: %w", scope, err)
		}
	}
	return nil
}

// AssignRole assigns a role to the given user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

// RoleByName fetches a role by its unique name.
func (s *Service) RoleByName(ctx context.Context, name string) (Role, error) {
	var r Role
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, created_at, updated_at FROM roles WHERE name = $1`, name).
		Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return r, nil
}

// EffectivePermissions returns deduplicated permission names for a user.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT p.name
FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1
ORDER BY p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}

// Checker answers single-permission questions on top of a PermissionSource.
type Checker struct {
	Source PermissionSource
}

// HasPermission reports whether userID holds perm.
func (c Checker) HasPermission(ctx context.Context, userID int64, perm string) (bool, error) {
	granted, err := c.Source.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return hasAllPermissions(granted, normalizePermissions([]string{perm})), nil
}
