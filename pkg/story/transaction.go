package story

import (
	"github.com/storycraft/storysync/pkg/ident"
)

// Kind discriminates the three delta shapes an action can take.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Action is one CREATE, UPDATE or DELETE delta targeting one record id.
// Params carries a partial field map keyed by wire field name; it is
// empty for deletes.
type Action struct {
	Kind     Kind           `json:"kind" cbor:"kind"`
	TargetID ident.ID       `json:"targetId" cbor:"targetId"`
	Params   map[string]any `json:"params,omitempty" cbor:"params,omitempty"`
}

// Transaction is an ordered batch of actions, applied atomically from the
// caller's perspective.
type Transaction []Action

// Create builds a CREATE action.
func Create(id ident.ID, params map[string]any) Action {
	return Action{Kind: KindCreate, TargetID: id, Params: params}
}

// Update builds an UPDATE action.
func Update(id ident.ID, params map[string]any) Action {
	return Action{Kind: KindUpdate, TargetID: id, Params: params}
}

// Delete builds a DELETE action.
func Delete(id ident.ID) Action {
	return Action{Kind: KindDelete, TargetID: id}
}
