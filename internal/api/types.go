package api

import "encoding/json"

// PermissionLevel is a document-scoped role controlling what a collaborator
// may do.
type PermissionLevel string

const (
	PermissionViewer PermissionLevel = "viewer"
	PermissionEditor PermissionLevel = "editor"
	PermissionOwner  PermissionLevel = "owner"
)

func (p PermissionLevel) Valid() bool {
	switch p {
	case PermissionViewer, PermissionEditor, PermissionOwner:
		return true
	}
	return false
}

type Owner struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// SharedDocument is one entry of the "shared with me" collection, keyed by
// document id.
type SharedDocument struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	UpdatedAt       string          `json:"updated_at"`
	PermissionLevel PermissionLevel `json:"permission_level"`
	Owner           Owner           `json:"owner"`
}

type DocumentSummary struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Document carries the full content tree. Content is kept opaque: the client
// synchronizes whole snapshots and never interprets the editor's model.
type Document struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	OwnerID     int64           `json:"owner_id"`
	UpdatedAt   string          `json:"updated_at"`
	Content     json.RawMessage `json:"content"`
}

type OverviewResponse struct {
	Mine         []DocumentSummary `json:"mine"`
	SharedWithMe []SharedDocument  `json:"shared_with_me"`
}

type Collaborator struct {
	UserID          int64           `json:"user_id"`
	Username        string          `json:"username"`
	Email           string          `json:"email"`
	PermissionLevel PermissionLevel `json:"permission_level"`
}

type UserSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       int64  `json:"user_id"`
}
