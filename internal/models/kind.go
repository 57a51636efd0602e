package models

import (
	"fmt"
	"strings"
)

type EntityKind string

const (
	KindArtist       EntityKind = "artist"
	KindAlbum        EntityKind = "album"
	KindTrack        EntityKind = "track"
	KindAlbumRanking EntityKind = "albumRanking"
)

// Remote keys carry their kind in the first character.
var keyPrefixes = map[byte]EntityKind{
	'r': KindArtist,
	'a': KindAlbum,
	't': KindTrack,
}

func (k EntityKind) String() string {
	return string(k)
}

// Keyed reports whether entities of this kind carry a remote key.
func (k EntityKind) Keyed() bool {
	switch k {
	case KindArtist, KindAlbum, KindTrack:
		return true
	}
	return false
}

// KindForKey routes a remote key to its entity kind by prefix.
func KindForKey(key string) (EntityKind, bool) {
	if key == "" {
		return "", false
	}
	kind, ok := keyPrefixes[key[0]]
	return kind, ok
}

// KindForBundle resolves the kind of a remote bundle. An explicit type
// discriminator wins over the key prefix.
func KindForBundle(key, typ string) (EntityKind, bool) {
	if typ != "" {
		if kind, err := ParseKind(typ); err == nil && kind.Keyed() {
			return kind, true
		}
	}
	return KindForKey(key)
}

// ParseKind accepts kind names, their plurals and the single letter type
// discriminators used by the catalog.
func ParseKind(value string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "artist", "artists", "r":
		return KindArtist, nil
	case "album", "albums", "a":
		return KindAlbum, nil
	case "track", "tracks", "t":
		return KindTrack, nil
	case "albumranking", "albumrankings", "ranking", "rankings":
		return KindAlbumRanking, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", value)
}
