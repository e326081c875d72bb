// Package storage defines the document storage collaborator interface
// and a filesystem implementation of it. Documents travel through it in
// the serialized JSON form produced by story.Serialize; the core never
// hands it live record graphs.
package storage

import (
	"errors"
)

// ErrNotFound reports a document id with no stored document.
var ErrNotFound = errors.New("storage: document not found")

// Entry names one stored document for enumeration.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Store persists serialized story documents. Implementations make no
// durability promises beyond their backing medium.
type Store interface {
	// Load returns the serialized document stored under id, or
	// ErrNotFound.
	Load(id string) ([]byte, error)
	// Save stores data under id, registering it under name for
	// enumeration. Saving an existing id overwrites it.
	Save(id, name string, data []byte) error
	// ListIDs enumerates the known documents.
	ListIDs() ([]Entry, error)
}
