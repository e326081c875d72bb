// Package history implements the client-local undo/redo manager. It is
// built on transaction inversion rather than snapshotting: before a
// locally originated transaction reaches the document controller, its
// exact inverse is computed against the current model and stacked.
//
// Transactions that arrive from the network are applied to the controller
// directly and never touch either stack; a participant can undo only its
// own edits.
package history

import (
	"github.com/storycraft/storysync/pkg/document"
	"github.com/storycraft/storysync/pkg/story"
)

// Manager owns the undo and redo stacks for one document controller.
// Like the controller it guards, it expects all calls from one goroutine.
type Manager struct {
	ctrl *document.Controller
	undo []story.Transaction
	redo []story.Transaction
}

// New returns a manager recording against ctrl.
func New(ctrl *document.Controller) *Manager {
	return &Manager{ctrl: ctrl}
}

// Do applies a locally originated transaction: the inverse is computed
// against the current model and pushed onto the undo stack, the redo
// stack is cleared, then tx is applied with local origin.
func (m *Manager) Do(tx story.Transaction) {
	m.undo = append(m.undo, story.Invert(tx, m.ctrl.Model()))
	m.redo = nil
	m.ctrl.Apply(tx, document.OriginLocal)
}

// Undo pops and applies the most recent undo entry, pushing its own
// inverse onto the redo stack. It reports false with nothing to undo.
// The popped transaction is applied with local origin, so an undo
// propagates to session peers like any other local edit.
func (m *Manager) Undo() bool {
	n := len(m.undo)
	if n == 0 {
		return false
	}
	tx := m.undo[n-1]
	m.undo = m.undo[:n-1]
	m.redo = append(m.redo, story.Invert(tx, m.ctrl.Model()))
	m.ctrl.Apply(tx, document.OriginLocal)
	return true
}

// Redo is symmetric to Undo.
func (m *Manager) Redo() bool {
	n := len(m.redo)
	if n == 0 {
		return false
	}
	tx := m.redo[n-1]
	m.redo = m.redo[:n-1]
	m.undo = append(m.undo, story.Invert(tx, m.ctrl.Model()))
	m.ctrl.Apply(tx, document.OriginLocal)
	return true
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }
