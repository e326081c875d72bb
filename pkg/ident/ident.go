// Package ident implements the self-describing identifier scheme used by
// every story record. An identifier embeds its record's type tag, so any
// component can resolve the concrete record variant from the id string
// alone, without a side table.
//
// The format is {TypeTag}_{timestampMillis}_{sequence}. The sequence
// increments for ids minted within the same millisecond and resets when
// the clock advances. This guarantees uniqueness within a single minting
// process only; it is a documented limitation carried over from the
// original scheme. Durable participant identities, which do cross process
// boundaries, use ULIDs instead (see identity.go).
package ident

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ID is a self-describing record identifier.
type ID string

// Tag names one of the known record variants.
type Tag string

const (
	TagStoryModel         Tag = "StoryModel"
	TagMoment             Tag = "Moment"
	TagAsset              Tag = "Asset"
	TagAssetPose          Tag = "AssetPose"
	TagPhotosphere        Tag = "Photosphere"
	TagPhotosphereSurface Tag = "PhotosphereSurface"
	TagPhotosphereArea    Tag = "PhotosphereArea"
	TagStroke             Tag = "Stroke"
	TagPicture            Tag = "Picture"
	TagAudio              Tag = "Audio"
	TagTeleport           Tag = "Teleport"
)

var knownTags = map[Tag]bool{
	TagStoryModel:         true,
	TagMoment:             true,
	TagAsset:              true,
	TagAssetPose:          true,
	TagPhotosphere:        true,
	TagPhotosphereSurface: true,
	TagPhotosphereArea:    true,
	TagStroke:             true,
	TagPicture:            true,
	TagAudio:              true,
	TagTeleport:           true,
}

// Known reports whether tag names a record variant this process understands.
func Known(tag Tag) bool {
	return knownTags[tag]
}

// ErrUnknownTag is returned by TypeOf for ids whose tag does not name a
// known record variant, and by mint operations given such a tag.
var ErrUnknownTag = fmt.Errorf("ident: unknown type tag")

// Minter mints process-unique record ids. The zero value is ready to use.
type Minter struct {
	mu     sync.Mutex
	millis int64
	seq    int

	// now is overridable for tests.
	now func() time.Time
}

// Mint returns a fresh id carrying the given type tag.
func (m *Minter) Mint(tag Tag) (ID, error) {
	if !Known(tag) {
		return "", fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now
	if m.now != nil {
		now = m.now
	}
	millis := now().UnixMilli()
	if millis == m.millis {
		m.seq++
	} else {
		m.millis = millis
		m.seq = 0
	}

	return ID(fmt.Sprintf("%s_%d_%d", tag, millis, m.seq)), nil
}

var defaultMinter Minter

// Mint mints an id from the package-level minter.
func Mint(tag Tag) (ID, error) {
	return defaultMinter.Mint(tag)
}

// MustMint is Mint for tags known at compile time; it panics on an
// unknown tag.
func MustMint(tag Tag) ID {
	id, err := Mint(tag)
	if err != nil {
		panic(err)
	}
	return id
}

// TypeOf resolves the type tag embedded in id. It is a pure string parse;
// it never consults the document.
func TypeOf(id ID) (Tag, error) {
	s := string(id)
	sep := strings.IndexByte(s, '_')
	if sep <= 0 {
		return "", fmt.Errorf("ident: malformed id %q", id)
	}
	tag := Tag(s[:sep])
	if !Known(tag) {
		return "", fmt.Errorf("%w: %q in id %q", ErrUnknownTag, tag, id)
	}
	rest := s[sep+1:]
	millis, seq, ok := strings.Cut(rest, "_")
	if !ok {
		return "", fmt.Errorf("ident: malformed id %q", id)
	}
	if _, err := strconv.ParseInt(millis, 10, 64); err != nil {
		return "", fmt.Errorf("ident: malformed id %q: %w", id, err)
	}
	if _, err := strconv.Atoi(seq); err != nil {
		return "", fmt.Errorf("ident: malformed id %q: %w", id, err)
	}
	return tag, nil
}
