package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/huddle/internal/collab"
)

// RoleAdmin grants access to the operational endpoints.
const RoleAdmin = "admin"

// Claims is the JWT payload carried by participant and admin tokens.
type Claims struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"user_email,omitempty"`
	DisplayName string   `json:"user_display_name,omitempty"`
	Roles       []string `json:"user_roles,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the registered-user identity the token vouches for.
func (c Claims) Identity() (collab.Identity, error) {
	return collab.NewUserIdentity(c.UserID)
}

// HasRole reports whether role was granted, ignoring case.
func (c Claims) HasRole(role string) bool {
	for _, granted := range c.Roles {
		if strings.EqualFold(strings.TrimSpace(granted), role) {
			return true
		}
	}
	return false
}
