package model

import (
	"time"

	"github.com/google/uuid"
)

// User is the passed-in identity the engine checks task ownership against.
// Authentication itself is outside the core.
type User struct {
	ID        string    `json:"user_id"`
	Name      string    `json:"name"`
	GroupIDs  []string  `json:"group_ids,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `json:"is_deleted"`
}

// MemberOf reports whether the user is an active member of the group.
func (u *User) MemberOf(groupID string) bool {
	if !u.Active {
		return false
	}
	for _, g := range u.GroupIDs {
		if g == groupID {
			return true
		}
	}
	return false
}

// Agent is an external LLM processor reachable over the agent protocol.
type Agent struct {
	ID        string    `json:"agent_id"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `json:"is_deleted"`
}

// FileAssociation links an uploaded file to a template node. Storage of the
// file content is outside the core; only the reference is carried into task
// context payloads.
type FileAssociation struct {
	ID         uuid.UUID `json:"file_id"`
	NodeBaseID uuid.UUID `json:"node_base_id"`
	FileName   string    `json:"file_name"`
	URI        string    `json:"uri"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	IsDeleted  bool      `json:"is_deleted"`
}
