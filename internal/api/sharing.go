package api

import (
	"context"
	"fmt"
	"net/http"
)

func (c *Client) ListCollaborators(ctx context.Context, docID int64) ([]Collaborator, error) {
	var out []Collaborator
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/documents/%d/collaborators", docID), c.bearer(), nil, &out)
	if out == nil {
		out = []Collaborator{}
	}
	return out, err
}

// AddCollaborator shares a document with a user. Only viewer and editor may
// be granted here; ownership moves through TransferOwnership.
func (c *Client) AddCollaborator(ctx context.Context, docID, userID int64, level PermissionLevel) error {
	if level == PermissionOwner || !level.Valid() {
		return fmt.Errorf("cannot grant permission level %q", level)
	}
	body := map[string]any{"user_id": userID, "permission_level": level}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/documents/%d/collaborators", docID), c.bearer(), body, nil)
}

func (c *Client) AddCollaboratorByEmail(ctx context.Context, docID int64, email string, level PermissionLevel) error {
	if level == PermissionOwner || !level.Valid() {
		return fmt.Errorf("cannot grant permission level %q", level)
	}
	body := map[string]any{"email": email, "permission_level": level}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/documents/%d/collaborators", docID), c.bearer(), body, nil)
}

func (c *Client) ChangeCollaboratorRole(ctx context.Context, docID, userID int64, level PermissionLevel) error {
	if level == PermissionOwner || !level.Valid() {
		return fmt.Errorf("cannot grant permission level %q", level)
	}
	body := map[string]any{"permission_level": level}
	return c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/documents/%d/collaborators/%d", docID, userID), c.bearer(), body, nil)
}

func (c *Client) RemoveCollaborator(ctx context.Context, docID, userID int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/documents/%d/collaborators/%d", docID, userID), c.bearer(), nil, nil)
}

func (c *Client) TransferOwnership(ctx context.Context, docID, newOwnerID int64) error {
	body := map[string]any{"user_id": newOwnerID}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/documents/%d/transfer_ownership", docID), c.bearer(), body, nil)
}
