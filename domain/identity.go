package domain

import "strings"

// Role is the closed set of roles known to the application. Anything
// read from storage that is not in the set maps to RoleUnknown so that
// authorization code can never mistake a stray string for a grant.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleViewer  Role = "viewer"
	RoleUnknown Role = "unknown"
)

// FallbackRole is applied when identity resolution degrades. It is
// deliberately the least privileged member of the set.
const FallbackRole = RoleViewer

// ParseRole maps a stored role value onto the closed set.
func ParseRole(v string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleManager:
		return RoleManager
	case RoleViewer:
		return RoleViewer
	default:
		return RoleUnknown
	}
}

// IdentitySource records how an identity was materialized.
type IdentitySource string

const (
	// SourceProfile means the identity was built from a profile row.
	SourceProfile IdentitySource = "profile"
	// SourceFallback means the profile store could not be read and the
	// identity was synthesized from session metadata.
	SourceFallback IdentitySource = "fallback"
)

// Identity is the resolved, application-level representation of the
// signed-in user.
type Identity struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	DisplayName string         `json:"displayName"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	Role        Role           `json:"role"`
	Source      IdentitySource `json:"source"`
}

// FallbackIdentity synthesizes an identity from session metadata for
// use when the profile store cannot be read. The display name is the
// email local part and the role is never privileged.
func FallbackIdentity(userID, email string) Identity {
	name := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		name = email[:at]
	}
	return Identity{
		ID:          userID,
		Email:       email,
		DisplayName: name,
		Role:        FallbackRole,
		Source:      SourceFallback,
	}
}

// Profile is a row of the profile table.
type Profile struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Title      string `json:"title"`
	Phone      string `json:"phone"`
	Department string `json:"department"`
	Initials   string `json:"initials"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	Role       Role   `json:"role"`
	Approved   bool   `json:"approved"`
	CreatedBy  string `json:"createdBy,omitempty"`
}

// Identity converts a profile row into the resolved identity.
func (p Profile) Identity() Identity {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		name = p.Email
	}
	return Identity{
		ID:          p.ID,
		Email:       p.Email,
		DisplayName: name,
		AvatarURL:   p.AvatarURL,
		Role:        p.Role,
		Source:      SourceProfile,
	}
}
