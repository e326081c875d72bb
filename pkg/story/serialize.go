package story

import (
	"encoding/json"
	"fmt"

	"github.com/storycraft/storysync/pkg/ident"
	"github.com/storycraft/storysync/pkg/logger"
)

// Serialize renders the document as its persisted JSON tree: the root
// record plus one top-level list per table. Serialize and FromSerialized
// are the wire format shared with the storage collaborator and the
// session relay.
func (m *StoryModel) Serialize() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("story: serialize: %w", err)
	}
	return data, nil
}

// FromSerialized reconstructs a typed document from its serialized form.
// Each nested record's concrete variant is resolved from its own id's
// type tag, regardless of which table list it arrived in. Malformed items
// (missing id, unknown tag, non-record entries) are logged and skipped;
// fields not declared on the target variant are dropped with a warning.
// A single bad item never fails the whole document.
func FromSerialized(data []byte, log logger.Logger) (*StoryModel, error) {
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("story: from serialized: %w", err)
	}

	rootID := asID(tree["id"])
	if rootID == "" {
		return nil, fmt.Errorf("story: from serialized: document has no id")
	}
	if tag, err := ident.TypeOf(rootID); err != nil || tag != ident.TagStoryModel {
		return nil, fmt.Errorf("story: from serialized: root id %q is not a story model", rootID)
	}

	m := &StoryModel{ID: rootID, Name: asString(tree["name"])}

	for key, value := range tree {
		if key == "id" || key == "name" {
			continue
		}
		entries, ok := value.([]any)
		if !ok {
			if value != nil {
				warn(log, "dropping non-table document field", "field", key)
			}
			continue
		}
		for _, entry := range entries {
			e, err := entityFromSerialized(entry, log)
			if err != nil {
				warn(log, "skipping malformed record", "table", key, "reason", err.Error())
				continue
			}
			m.append(e)
		}
	}
	return m, nil
}

func entityFromSerialized(entry any, log logger.Logger) (Entity, error) {
	id, ok := mapValue(entry, "id")
	if !ok {
		return nil, fmt.Errorf("entry is not a record")
	}
	entryID := asID(id)
	if entryID == "" {
		return nil, fmt.Errorf("record has no id")
	}
	tag, err := ident.TypeOf(entryID)
	if err != nil {
		return nil, err
	}
	e, err := New(tag, entryID)
	if err != nil {
		return nil, err
	}

	fields, _ := entry.(map[string]any)
	for name, value := range fields {
		if name == "id" {
			continue
		}
		if !e.Set(name, value) {
			warn(log, "dropping undeclared field", "record", entryID, "field", name)
		}
	}
	return e, nil
}

func warn(log logger.Logger, msg string, args ...any) {
	if log != nil {
		log.Warn(msg, args...)
	}
}
