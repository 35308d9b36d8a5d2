// Package notify maintains the shared-with-me list and the unseen-document
// set from live share notifications, reconciled against the server's overview
// collection.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/collabdocs/collabsync/internal/api"
)

// Kind discriminates the share notification variants. Switches over Kind are
// exhaustive; an unrecognized wire value fails decoding instead of falling
// through a default branch.
type Kind int

const (
	KindShareAdded Kind = iota
	KindShareRoleChanged
	KindOwnershipGained
	KindOwnershipLost
	KindShareRemoved
)

func (k Kind) String() string {
	switch k {
	case KindShareAdded:
		return "share_added"
	case KindShareRoleChanged:
		return "share_role_changed"
	case KindOwnershipGained:
		return "ownership_gained"
	case KindOwnershipLost:
		return "ownership_lost"
	case KindShareRemoved:
		return "share_removed"
	default:
		return "unknown"
	}
}

var kindNames = map[string]Kind{
	"share_added":        KindShareAdded,
	"share_role_changed": KindShareRoleChanged,
	"ownership_gained":   KindOwnershipGained,
	"ownership_lost":     KindOwnershipLost,
	"share_removed":      KindShareRemoved,
}

// Event is one decoded share notification.
type Event struct {
	Kind       Kind
	DocID      int64
	Title      string
	Permission api.PermissionLevel
}

type wireEvent struct {
	Event           string              `json:"event"`
	DocID           int64               `json:"doc_id"`
	Title           string              `json:"title"`
	PermissionLevel api.PermissionLevel `json:"permission_level"`
}

// ParseEvent decodes a notify frame payload.
func ParseEvent(data json.RawMessage) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	kind, ok := kindNames[wire.Event]
	if !ok {
		return Event{}, fmt.Errorf("unknown notification kind %q", wire.Event)
	}
	if wire.DocID <= 0 {
		return Event{}, fmt.Errorf("notification %q without a document id", wire.Event)
	}
	return Event{
		Kind:       kind,
		DocID:      wire.DocID,
		Title:      wire.Title,
		Permission: wire.PermissionLevel,
	}, nil
}
