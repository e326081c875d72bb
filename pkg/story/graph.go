package story

import (
	"github.com/storycraft/storysync/pkg/ident"
)

// all returns every table record in table order. The root itself is not
// included; callers that care about the root check it separately.
func (m *StoryModel) all() []Entity {
	out := make([]Entity, 0,
		len(m.Moments)+len(m.Assets)+len(m.AssetPoses)+len(m.Photospheres)+
			len(m.Surfaces)+len(m.Areas)+len(m.Strokes)+len(m.Pictures)+
			len(m.Audios)+len(m.Teleports))
	for _, e := range m.Moments {
		out = append(out, e)
	}
	for _, e := range m.Assets {
		out = append(out, e)
	}
	for _, e := range m.AssetPoses {
		out = append(out, e)
	}
	for _, e := range m.Photospheres {
		out = append(out, e)
	}
	for _, e := range m.Surfaces {
		out = append(out, e)
	}
	for _, e := range m.Areas {
		out = append(out, e)
	}
	for _, e := range m.Strokes {
		out = append(out, e)
	}
	for _, e := range m.Pictures {
		out = append(out, e)
	}
	for _, e := range m.Audios {
		out = append(out, e)
	}
	for _, e := range m.Teleports {
		out = append(out, e)
	}
	return out
}

// Find returns the record with the given id, or nil if the document does
// not contain it. The root model matches its own id.
func (m *StoryModel) Find(id ident.ID) Entity {
	if m.ID == id {
		return m
	}
	for _, e := range m.all() {
		if e.EntityID() == id {
			return e
		}
	}
	return nil
}

// linkedFields returns the declared fields of e whose current value
// references id: scalar reference fields equal to it, and list fields
// containing it. The returned values are read from Fields, so list values
// are already copies.
func linkedFields(e Entity, id ident.ID) map[string]any {
	var out map[string]any
	for name, value := range e.Fields() {
		switch v := value.(type) {
		case ident.ID:
			if v != id {
				continue
			}
		case []ident.ID:
			found := false
			for _, item := range v {
				if item == id {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		default:
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[name] = value
	}
	return out
}

// FindAllLinked returns every record other than id itself that has at
// least one field, scalar or inside a list, equal to id. Order is
// unspecified; duplicates are removed.
func (m *StoryModel) FindAllLinked(id ident.ID) []Entity {
	var out []Entity
	for _, e := range m.all() {
		if e.EntityID() == id {
			continue
		}
		if linkedFields(e, id) != nil {
			out = append(out, e)
		}
	}
	return out
}

// Index builds an id to record map over the whole graph in one pass,
// including the root. It is used to avoid repeated Find scans on hot
// paths; it goes stale as soon as the document mutates.
func (m *StoryModel) Index() map[ident.ID]Entity {
	idx := make(map[ident.ID]Entity)
	idx[m.ID] = m
	for _, e := range m.all() {
		idx[e.EntityID()] = e
	}
	return idx
}

// DeleteByID removes the record with id from its owning table, then
// clears every remaining field that literally equals id: scalar reference
// fields are zeroed and list fields have id stripped out. It does not
// touch dependents transitively; cascading deletion is the caller's
// responsibility, computed via FindAllLinked and issued as further
// explicit deletes.
func (m *StoryModel) DeleteByID(id ident.ID) {
	m.removeFromTable(id)
	for _, e := range m.all() {
		for name, value := range linkedFields(e, id) {
			switch v := value.(type) {
			case ident.ID:
				e.Set(name, nil)
			case []ident.ID:
				kept := v[:0]
				for _, item := range v {
					if item != id {
						kept = append(kept, item)
					}
				}
				e.Set(name, kept)
			}
		}
	}
}

func (m *StoryModel) removeFromTable(id ident.ID) {
	m.Moments = removeByID(m.Moments, id)
	m.Assets = removeByID(m.Assets, id)
	m.AssetPoses = removeByID(m.AssetPoses, id)
	m.Photospheres = removeByID(m.Photospheres, id)
	m.Surfaces = removeByID(m.Surfaces, id)
	m.Areas = removeByID(m.Areas, id)
	m.Strokes = removeByID(m.Strokes, id)
	m.Pictures = removeByID(m.Pictures, id)
	m.Audios = removeByID(m.Audios, id)
	m.Teleports = removeByID(m.Teleports, id)
}

func removeByID[E Entity](table []E, id ident.ID) []E {
	for i, e := range table {
		if e.EntityID() == id {
			return append(table[:i], table[i+1:]...)
		}
	}
	return table
}

// Clone returns a deep structural copy of the document. When
// regenerateIDs is true every record in the copy, the root included,
// receives a freshly minted id of its own type tag. Reference fields
// inside the clone are not remapped to the new ids; same-id references
// still point at the originals, which callers duplicating a template must
// account for.
func (m *StoryModel) Clone(regenerateIDs bool) *StoryModel {
	rootID := m.ID
	if regenerateIDs {
		rootID = ident.MustMint(ident.TagStoryModel)
	}
	out := &StoryModel{ID: rootID, Name: m.Name}
	for _, e := range m.all() {
		id := e.EntityID()
		if regenerateIDs {
			id = ident.MustMint(e.Tag())
		}
		copied, err := New(e.Tag(), id)
		if err != nil {
			continue
		}
		for name, value := range e.Fields() {
			copied.Set(name, value)
		}
		out.append(copied)
	}
	return out
}
