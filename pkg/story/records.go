// Package story implements the typed entity graph behind a spatial
// narrative document: the record variants, the structural operations over
// them (find, link scan, clone, delete, index), the serialized form, and
// the transaction algebra used to mutate and exactly invert edits.
//
// A document is one StoryModel holding ordered, id-keyed tables of every
// other variant. All other relationships are plain reference fields
// carrying another record's id; nothing enforces referential integrity,
// so readers tolerate dangling references by design.
package story

import (
	"fmt"

	"github.com/storycraft/storysync/pkg/ident"
)

// Vec3 is a position or direction in story space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec4 is an orientation quaternion.
type Vec4 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Entity is one typed, id-bearing record in the document.
//
// Fields returns the record's declared mutable fields as a plain map
// keyed by wire name; list values are copied, so the map stays valid
// after the record mutates. Set assigns one declared field from a value
// that may be typed or freshly decoded from JSON/CBOR; it reports false
// for a field the variant does not declare, leaving the record untouched.
type Entity interface {
	EntityID() ident.ID
	Tag() ident.Tag
	Fields() map[string]any
	Set(name string, value any) bool
}

// StoryModel is the document root. It owns the only real containment in
// the model: one ordered table per record variant.
type StoryModel struct {
	ID   ident.ID `json:"id"`
	Name string   `json:"name,omitempty"`

	Moments      []*Moment             `json:"moments"`
	Assets       []*Asset              `json:"assets"`
	AssetPoses   []*AssetPose          `json:"assetPoses"`
	Photospheres []*Photosphere        `json:"photospheres"`
	Surfaces     []*PhotosphereSurface `json:"surfaces"`
	Areas        []*PhotosphereArea    `json:"areas"`
	Strokes      []*Stroke             `json:"strokes"`
	Pictures     []*Picture            `json:"pictures"`
	Audios       []*Audio              `json:"audios"`
	Teleports    []*Teleport           `json:"teleports"`
}

// NewStoryModel returns an empty document with a freshly minted root id.
func NewStoryModel(name string) *StoryModel {
	return &StoryModel{ID: ident.MustMint(ident.TagStoryModel), Name: name}
}

func (m *StoryModel) EntityID() ident.ID { return m.ID }
func (m *StoryModel) Tag() ident.Tag     { return ident.TagStoryModel }

func (m *StoryModel) Fields() map[string]any {
	return map[string]any{"name": m.Name}
}

func (m *StoryModel) Set(name string, value any) bool {
	switch name {
	case "name":
		m.Name = asString(value)
	default:
		return false
	}
	return true
}

// Moment is one scene of the story, optionally backed by a photosphere.
type Moment struct {
	ID            ident.ID `json:"id"`
	Name          string   `json:"name,omitempty"`
	PhotosphereID ident.ID `json:"photosphereId,omitempty"`
}

func (e *Moment) EntityID() ident.ID { return e.ID }
func (e *Moment) Tag() ident.Tag     { return ident.TagMoment }

func (e *Moment) Fields() map[string]any {
	return map[string]any{
		"name":          e.Name,
		"photosphereId": e.PhotosphereID,
	}
}

func (e *Moment) Set(name string, value any) bool {
	switch name {
	case "name":
		e.Name = asString(value)
	case "photosphereId":
		e.PhotosphereID = asID(value)
	default:
		return false
	}
	return true
}

// Asset is an imported 3D model, addressed by filename in the upload
// collaborator; the document never holds binary content.
type Asset struct {
	ID       ident.ID `json:"id"`
	Name     string   `json:"name,omitempty"`
	FileName string   `json:"fileName,omitempty"`
}

func (e *Asset) EntityID() ident.ID { return e.ID }
func (e *Asset) Tag() ident.Tag     { return ident.TagAsset }

func (e *Asset) Fields() map[string]any {
	return map[string]any{
		"name":     e.Name,
		"fileName": e.FileName,
	}
}

func (e *Asset) Set(name string, value any) bool {
	switch name {
	case "name":
		e.Name = asString(value)
	case "fileName":
		e.FileName = asString(value)
	default:
		return false
	}
	return true
}

// AssetPose places one asset instance in one moment. ParentID references
// the Asset, AttachedID an optional record the pose is anchored to.
type AssetPose struct {
	ID          ident.ID `json:"id"`
	ParentID    ident.ID `json:"parentId,omitempty"`
	MomentID    ident.ID `json:"momentId,omitempty"`
	AttachedID  ident.ID `json:"attachedId,omitempty"`
	Position    Vec3     `json:"position"`
	Orientation Vec4     `json:"orientation"`
	Scale       float64  `json:"scale,omitempty"`
}

func (e *AssetPose) EntityID() ident.ID { return e.ID }
func (e *AssetPose) Tag() ident.Tag     { return ident.TagAssetPose }

func (e *AssetPose) Fields() map[string]any {
	return map[string]any{
		"parentId":    e.ParentID,
		"momentId":    e.MomentID,
		"attachedId":  e.AttachedID,
		"position":    e.Position,
		"orientation": e.Orientation,
		"scale":       e.Scale,
	}
}

func (e *AssetPose) Set(name string, value any) bool {
	switch name {
	case "parentId":
		e.ParentID = asID(value)
	case "momentId":
		e.MomentID = asID(value)
	case "attachedId":
		e.AttachedID = asID(value)
	case "position":
		e.Position = asVec3(value)
	case "orientation":
		e.Orientation = asVec4(value)
	case "scale":
		e.Scale = asFloat(value)
	default:
		return false
	}
	return true
}

// Photosphere is a 360 image backdrop, addressed by filename.
type Photosphere struct {
	ID       ident.ID `json:"id"`
	Name     string   `json:"name,omitempty"`
	FileName string   `json:"fileName,omitempty"`
	MomentID ident.ID `json:"momentId,omitempty"`
}

func (e *Photosphere) EntityID() ident.ID { return e.ID }
func (e *Photosphere) Tag() ident.Tag     { return ident.TagPhotosphere }

func (e *Photosphere) Fields() map[string]any {
	return map[string]any{
		"name":     e.Name,
		"fileName": e.FileName,
		"momentId": e.MomentID,
	}
}

func (e *Photosphere) Set(name string, value any) bool {
	switch name {
	case "name":
		e.Name = asString(value)
	case "fileName":
		e.FileName = asString(value)
	case "momentId":
		e.MomentID = asID(value)
	default:
		return false
	}
	return true
}

// PhotosphereSurface groups interactive areas painted onto a photosphere.
type PhotosphereSurface struct {
	ID            ident.ID   `json:"id"`
	Name          string     `json:"name,omitempty"`
	PhotosphereID ident.ID   `json:"photosphereId,omitempty"`
	AreaIDs       []ident.ID `json:"areaIds,omitempty"`
}

func (e *PhotosphereSurface) EntityID() ident.ID { return e.ID }
func (e *PhotosphereSurface) Tag() ident.Tag     { return ident.TagPhotosphereSurface }

func (e *PhotosphereSurface) Fields() map[string]any {
	return map[string]any{
		"name":          e.Name,
		"photosphereId": e.PhotosphereID,
		"areaIds":       append([]ident.ID(nil), e.AreaIDs...),
	}
}

func (e *PhotosphereSurface) Set(name string, value any) bool {
	switch name {
	case "name":
		e.Name = asString(value)
	case "photosphereId":
		e.PhotosphereID = asID(value)
	case "areaIds":
		e.AreaIDs = asIDList(value)
	default:
		return false
	}
	return true
}

// PhotosphereArea is one interactive region on a photosphere.
// DestinationID optionally references the moment the area leads to.
type PhotosphereArea struct {
	ID            ident.ID `json:"id"`
	Name          string   `json:"name,omitempty"`
	PhotosphereID ident.ID `json:"photosphereId,omitempty"`
	DestinationID ident.ID `json:"destinationId,omitempty"`
}

func (e *PhotosphereArea) EntityID() ident.ID { return e.ID }
func (e *PhotosphereArea) Tag() ident.Tag     { return ident.TagPhotosphereArea }

func (e *PhotosphereArea) Fields() map[string]any {
	return map[string]any{
		"name":          e.Name,
		"photosphereId": e.PhotosphereID,
		"destinationId": e.DestinationID,
	}
}

func (e *PhotosphereArea) Set(name string, value any) bool {
	switch name {
	case "name":
		e.Name = asString(value)
	case "photosphereId":
		e.PhotosphereID = asID(value)
	case "destinationId":
		e.DestinationID = asID(value)
	default:
		return false
	}
	return true
}

// Stroke is a free-hand drawing inside one moment.
type Stroke struct {
	ID       ident.ID `json:"id"`
	MomentID ident.ID `json:"momentId,omitempty"`
	Color    string   `json:"color,omitempty"`
	Width    float64  `json:"width,omitempty"`
	Points   []Vec3   `json:"points,omitempty"`
}

func (e *Stroke) EntityID() ident.ID { return e.ID }
func (e *Stroke) Tag() ident.Tag     { return ident.TagStroke }

func (e *Stroke) Fields() map[string]any {
	return map[string]any{
		"momentId": e.MomentID,
		"color":    e.Color,
		"width":    e.Width,
		"points":   append([]Vec3(nil), e.Points...),
	}
}

func (e *Stroke) Set(name string, value any) bool {
	switch name {
	case "momentId":
		e.MomentID = asID(value)
	case "color":
		e.Color = asString(value)
	case "width":
		e.Width = asFloat(value)
	case "points":
		e.Points = asVec3List(value)
	default:
		return false
	}
	return true
}

// Picture is a flat image placed inside one moment.
type Picture struct {
	ID          ident.ID `json:"id"`
	MomentID    ident.ID `json:"momentId,omitempty"`
	FileName    string   `json:"fileName,omitempty"`
	Position    Vec3     `json:"position"`
	Orientation Vec4     `json:"orientation"`
	Scale       float64  `json:"scale,omitempty"`
}

func (e *Picture) EntityID() ident.ID { return e.ID }
func (e *Picture) Tag() ident.Tag     { return ident.TagPicture }

func (e *Picture) Fields() map[string]any {
	return map[string]any{
		"momentId":    e.MomentID,
		"fileName":    e.FileName,
		"position":    e.Position,
		"orientation": e.Orientation,
		"scale":       e.Scale,
	}
}

func (e *Picture) Set(name string, value any) bool {
	switch name {
	case "momentId":
		e.MomentID = asID(value)
	case "fileName":
		e.FileName = asString(value)
	case "position":
		e.Position = asVec3(value)
	case "orientation":
		e.Orientation = asVec4(value)
	case "scale":
		e.Scale = asFloat(value)
	default:
		return false
	}
	return true
}

// Audio is a recorded narration clip attached to one moment.
type Audio struct {
	ID       ident.ID `json:"id"`
	MomentID ident.ID `json:"momentId,omitempty"`
	FileName string   `json:"fileName,omitempty"`
	Volume   float64  `json:"volume,omitempty"`
	Loop     bool     `json:"loop,omitempty"`
}

func (e *Audio) EntityID() ident.ID { return e.ID }
func (e *Audio) Tag() ident.Tag     { return ident.TagAudio }

func (e *Audio) Fields() map[string]any {
	return map[string]any{
		"momentId": e.MomentID,
		"fileName": e.FileName,
		"volume":   e.Volume,
		"loop":     e.Loop,
	}
}

func (e *Audio) Set(name string, value any) bool {
	switch name {
	case "momentId":
		e.MomentID = asID(value)
	case "fileName":
		e.FileName = asString(value)
	case "volume":
		e.Volume = asFloat(value)
	case "loop":
		e.Loop = asBool(value)
	default:
		return false
	}
	return true
}

// Teleport moves the viewer to another moment when activated.
type Teleport struct {
	ID            ident.ID `json:"id"`
	MomentID      ident.ID `json:"momentId,omitempty"`
	DestinationID ident.ID `json:"destinationId,omitempty"`
	Position      Vec3     `json:"position"`
}

func (e *Teleport) EntityID() ident.ID { return e.ID }
func (e *Teleport) Tag() ident.Tag     { return ident.TagTeleport }

func (e *Teleport) Fields() map[string]any {
	return map[string]any{
		"momentId":      e.MomentID,
		"destinationId": e.DestinationID,
		"position":      e.Position,
	}
}

func (e *Teleport) Set(name string, value any) bool {
	switch name {
	case "momentId":
		e.MomentID = asID(value)
	case "destinationId":
		e.DestinationID = asID(value)
	case "position":
		e.Position = asVec3(value)
	default:
		return false
	}
	return true
}

// New instantiates the record variant named by tag with the given id.
// StoryModel is not constructible this way; it is the document itself,
// never a table entry.
func New(tag ident.Tag, id ident.ID) (Entity, error) {
	switch tag {
	case ident.TagMoment:
		return &Moment{ID: id}, nil
	case ident.TagAsset:
		return &Asset{ID: id}, nil
	case ident.TagAssetPose:
		return &AssetPose{ID: id}, nil
	case ident.TagPhotosphere:
		return &Photosphere{ID: id}, nil
	case ident.TagPhotosphereSurface:
		return &PhotosphereSurface{ID: id}, nil
	case ident.TagPhotosphereArea:
		return &PhotosphereArea{ID: id}, nil
	case ident.TagStroke:
		return &Stroke{ID: id}, nil
	case ident.TagPicture:
		return &Picture{ID: id}, nil
	case ident.TagAudio:
		return &Audio{ID: id}, nil
	case ident.TagTeleport:
		return &Teleport{ID: id}, nil
	default:
		return nil, fmt.Errorf("story: no record variant for tag %q", tag)
	}
}

// append adds e to the table matching its variant. The caller guarantees
// e is not already present.
func (m *StoryModel) append(e Entity) {
	switch v := e.(type) {
	case *Moment:
		m.Moments = append(m.Moments, v)
	case *Asset:
		m.Assets = append(m.Assets, v)
	case *AssetPose:
		m.AssetPoses = append(m.AssetPoses, v)
	case *Photosphere:
		m.Photospheres = append(m.Photospheres, v)
	case *PhotosphereSurface:
		m.Surfaces = append(m.Surfaces, v)
	case *PhotosphereArea:
		m.Areas = append(m.Areas, v)
	case *Stroke:
		m.Strokes = append(m.Strokes, v)
	case *Picture:
		m.Pictures = append(m.Pictures, v)
	case *Audio:
		m.Audios = append(m.Audios, v)
	case *Teleport:
		m.Teleports = append(m.Teleports, v)
	}
}

// Insert adds e to its table. It is the typed entry point used when
// constructing documents programmatically; transactional mutation goes
// through the document controller instead.
func (m *StoryModel) Insert(e Entity) {
	m.append(e)
}
