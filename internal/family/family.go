// Package family holds the membership record of truth and its read-through cache.
// Memberships are authoritative in PostgreSQL; every cached view is derived and
// bounded by TTL plus explicit invalidation on mutation events.
package family

import (
	"context"
	"errors"
	"time"
)

// Role is a member's role within a family.
type Role string

const (
	RoleHead   Role = "head"
	RoleMember Role = "member"
	RoleChild  Role = "child"
)

// ValidRole reports whether the string is a recognized membership role.
func ValidRole(role string) bool {
	switch Role(role) {
	case RoleHead, RoleMember, RoleChild:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound indicates the requested membership row does not exist.
	ErrNotFound = errors.New("membership not found")
	// ErrAlreadyMember indicates the user already belongs to the family.
	ErrAlreadyMember = errors.New("user is already a family member")
	// ErrUnavailable indicates the record of truth is not configured or unreachable.
	ErrUnavailable = errors.New("membership repository unavailable")
)

// Member is one row of a family's member list.
type Member struct {
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Repository is the set of membership queries the core consumes. The admin handle
// serves unscoped fan-out reads; the tenant handle serves user-initiated mutations.
type Repository interface {
	MembersOf(ctx context.Context, familyID string) ([]Member, error)
	FamiliesOf(ctx context.Context, userID string) ([]string, error)
	RoleOf(ctx context.Context, userID, familyID string) (Role, error)
	AddMember(ctx context.Context, familyID, userID string, role Role) error
	RemoveMember(ctx context.Context, familyID, userID string) error
	UpdateRole(ctx context.Context, familyID, userID string, role Role) error
	DeleteFamily(ctx context.Context, familyID string) error
}

// Unavailable is the Repository used when no record-of-truth DSN is configured. Reads
// and writes both fail with ErrUnavailable; the cache layer turns read failures into
// empty results.
type Unavailable struct{}

func (Unavailable) MembersOf(context.Context, string) ([]Member, error) {
	return nil, ErrUnavailable
}
func (Unavailable) FamiliesOf(context.Context, string) ([]string, error) {
	return nil, ErrUnavailable
}
func (Unavailable) RoleOf(context.Context, string, string) (Role, error) {
	return "", ErrUnavailable
}
func (Unavailable) AddMember(context.Context, string, string, Role) error  { return ErrUnavailable }
func (Unavailable) RemoveMember(context.Context, string, string) error     { return ErrUnavailable }
func (Unavailable) UpdateRole(context.Context, string, string, Role) error { return ErrUnavailable }
func (Unavailable) DeleteFamily(context.Context, string) error             { return ErrUnavailable }
