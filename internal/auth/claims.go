package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the token shape shared with the identity service. WorkspaceID
// scopes every authoring and call-start request; Role is only carried by
// access tokens.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	TokenType   TokenType `json:"token_type"`
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, WorkspaceID: c.WorkspaceID, Role: c.Role}
}
