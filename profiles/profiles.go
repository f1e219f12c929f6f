package profiles

import (
	"time"

	"github.com/jrsteele09/go-session-reconciler/internal/utils"
)

// RoleType represents a user's application-level role.
type RoleType string

const (
	RoleUser      RoleType = "user"
	RoleAdmin     RoleType = "admin"
	RoleSuperuser RoleType = "superuser"
)

// Profile is the application-level user record, distinct from the gateway's
// identity record. Created lazily on first successful authentication.
type Profile struct {
	ID          string    `json:"id"` // Matches the gateway's user id
	Email       string    `json:"email,omitempty"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	Role        RoleType  `json:"role,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`

	// Fallback marks a locally synthesized stand-in used while the profile
	// store is unreachable. Never persisted remotely.
	Fallback bool `json:"-"`
}

func (p *Profile) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// IsAdmin returns true for roles with elevated privileges.
func (p *Profile) IsAdmin() bool {
	return p.Role == RoleAdmin || p.Role == RoleSuperuser
}

// Partial is a sparse profile update: nil fields are left untouched.
type Partial struct {
	Email       *string   `json:"email,omitempty"`
	FirstName   *string   `json:"first_name,omitempty"`
	LastName    *string   `json:"last_name,omitempty"`
	Role        *RoleType `json:"role,omitempty"`
	PhoneNumber *string   `json:"phone_number,omitempty"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
}

// IsEmpty reports whether the partial carries no changes at all.
func (p Partial) IsEmpty() bool {
	return p.Email == nil && p.FirstName == nil && p.LastName == nil &&
		p.Role == nil && p.PhoneNumber == nil && p.AvatarURL == nil
}

// Fields returns the set fields as a column→value map, the shape row stores
// expect for a sparse update.
func (p Partial) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Email != nil {
		fields["email"] = *p.Email
	}
	if p.FirstName != nil {
		fields["first_name"] = *p.FirstName
	}
	if p.LastName != nil {
		fields["last_name"] = *p.LastName
	}
	if p.Role != nil {
		fields["role"] = string(*p.Role)
	}
	if p.PhoneNumber != nil {
		fields["phone_number"] = *p.PhoneNumber
	}
	if p.AvatarURL != nil {
		fields["avatar_url"] = *p.AvatarURL
	}
	return fields
}

// Merge applies the partial to the profile in place and bumps UpdatedAt.
func (p *Profile) Merge(partial Partial, now time.Time) {
	utils.Override(&p.Email, partial.Email)
	utils.Override(&p.FirstName, partial.FirstName)
	utils.Override(&p.LastName, partial.LastName)
	utils.Override(&p.Role, partial.Role)
	utils.Override(&p.PhoneNumber, partial.PhoneNumber)
	utils.Override(&p.AvatarURL, partial.AvatarURL)
	p.UpdatedAt = now
}
