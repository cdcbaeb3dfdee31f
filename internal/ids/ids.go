// SPDX-License-Identifier: MIT

// Package ids defines the opaque identifiers and principal tokens shared by
// every kernel entity.
package ids

import "github.com/google/uuid"

// ID is a globally unique, printable, equality-comparable identifier.
// Entities never interpret its contents.
type ID string

// NewID returns a fresh random identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Parse validates s as an identifier. Any non-empty printable string is
// accepted; uuid-shaped values are canonicalised.
func Parse(s string) (ID, bool) {
	if s == "" {
		return "", false
	}
	if u, err := uuid.Parse(s); err == nil {
		return ID(u.String()), true
	}
	return ID(s), true
}

func (id ID) String() string { return string(id) }

// Empty reports whether the identifier is unset.
func (id ID) Empty() bool { return id == "" }

// AuthToken identifies the principal on whose behalf an action is performed.
type AuthToken struct {
	Name    string `json:"name"`
	GUID    ID     `json:"guid"`
	OIDCSub string `json:"oidc_sub,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Valid reports whether the token carries the mandatory fields.
func (t AuthToken) Valid() bool {
	return t.Name != "" && !t.GUID.Empty()
}
