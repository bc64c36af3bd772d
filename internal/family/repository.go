package family

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL. Construct one instance per
// handle: the admin pool for fan-out queries, the tenant pool (subject to row-level
// security) for operations initiated by a specific user.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed membership repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// MembersOf returns the member list of a family, joined with user profiles.
func (r *PGRepository) MembersOf(ctx context.Context, familyID string) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT fm.user_id, fm.role, u.display_name, u.avatar_url, fm.joined_at
		 FROM family_members fm
		 JOIN users u ON u.id = fm.user_id
		 WHERE fm.family_id = $1
		 ORDER BY fm.joined_at, fm.user_id`, familyID)
	if err != nil {
		return nil, fmt.Errorf("query family members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Role, &m.DisplayName, &m.AvatarURL, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan family member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate family members: %w", err)
	}
	return members, nil
}

// FamiliesOf returns the IDs of every family the user belongs to.
func (r *PGRepository) FamiliesOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		"SELECT family_id FROM family_members WHERE user_id = $1 ORDER BY joined_at", userID)
	if err != nil {
		return nil, fmt.Errorf("query user families: %w", err)
	}
	defer rows.Close()

	var familyIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan family id: %w", err)
		}
		familyIDs = append(familyIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user families: %w", err)
	}
	return familyIDs, nil
}

// RoleOf returns the user's role within the family, or ErrNotFound.
func (r *PGRepository) RoleOf(ctx context.Context, userID, familyID string) (Role, error) {
	var role Role
	err := r.db.QueryRow(ctx,
		"SELECT role FROM family_members WHERE user_id = $1 AND family_id = $2",
		userID, familyID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query member role: %w", err)
	}
	return role, nil
}

// AddMember inserts a membership row. A user may appear at most once per family;
// violating that yields ErrAlreadyMember. Inserting against a family or user row
// that does not exist yields ErrNotFound.
func (r *PGRepository) AddMember(ctx context.Context, familyID, userID string, role Role) error {
	_, err := r.db.Exec(ctx,
		"INSERT INTO family_members (user_id, family_id, role) VALUES ($1, $2, $3)",
		userID, familyID, role)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		if postgres.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: family or user does not exist", ErrNotFound)
		}
		return fmt.Errorf("insert family member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership row. Returns ErrNotFound when it did not exist.
func (r *PGRepository) RemoveMember(ctx context.Context, familyID, userID string) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM family_members WHERE user_id = $1 AND family_id = $2", userID, familyID)
	if err != nil {
		return fmt.Errorf("delete family member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRole changes a member's role. Returns ErrNotFound when no membership exists.
func (r *PGRepository) UpdateRole(ctx context.Context, familyID, userID string, role Role) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE family_members SET role = $1 WHERE user_id = $2 AND family_id = $3",
		role, userID, familyID)
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFamily removes the family row; memberships, geofences, and ghost flags cascade.
func (r *PGRepository) DeleteFamily(ctx context.Context, familyID string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM families WHERE id = $1", familyID)
	if err != nil {
		return fmt.Errorf("delete family: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
