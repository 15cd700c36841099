package ha

import (
	"strings"

	"github.com/google/uuid"
)

// Context represents the context of a state change
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// NewContext returns a context with a fresh id, attributed to userID
// (which may be empty)
func NewContext(userID string) *Context {
	return &Context{
		ID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		UserID: userID,
	}
}

// Child returns a new context whose parent is c
func (c *Context) Child() *Context {
	child := NewContext(c.UserID)
	child.ParentID = c.ID
	return child
}
