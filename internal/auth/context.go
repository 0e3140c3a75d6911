package auth

import (
	"context"
	"errors"
)

var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the verified caller of an API request.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, userID, workspaceID, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: userID, WorkspaceID: workspaceID, Role: role})
}

// FromContext returns the identity stored by RequireAccessToken.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil || id.UserID == "" {
		return "", errors.New("user_id not in context")
	}
	return id.UserID, nil
}

func WorkspaceID(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil || id.WorkspaceID == "" {
		return "", errors.New("workspace_id not in context")
	}
	return id.WorkspaceID, nil
}

func Role(ctx context.Context) (string, error) {
	id, err := FromContext(ctx)
	if err != nil || id.Role == "" {
		return "", errors.New("role not in context")
	}
	return id.Role, nil
}
