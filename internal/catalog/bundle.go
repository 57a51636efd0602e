package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"catalogsync/internal/models"
	"catalogsync/internal/utils"
)

// Bundle is the attribute set the catalog returns for one remote key.
type Bundle struct {
	Key         string    `json:"key"`
	Type        string    `json:"type,omitempty"`
	Name        string    `json:"name"`
	Icon        string    `json:"icon,omitempty"`
	TrackNumber int       `json:"trackNum,omitempty"`
	ArtistKey   string    `json:"artistKey,omitempty"`
	AlbumKey    string    `json:"albumKey,omitempty"`
	Rank        int       `json:"rank,omitempty"`
	ObservedAt  time.Time `json:"observedAt,omitzero"`

	// Raw is the bundle exactly as received.
	Raw json.RawMessage `json:"-"`
}

type bundleFields Bundle

// UnmarshalJSON also accepts observedAt as unix seconds or a plain date,
// both of which the catalog has been seen to send.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	var fields struct {
		bundleFields
		ObservedAt json.RawMessage `json:"observedAt"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*b = Bundle(fields.bundleFields)
	observed, err := parseObservedAt(fields.ObservedAt)
	if err != nil {
		return fmt.Errorf("bundle %q: %w", b.Key, err)
	}
	b.ObservedAt = observed
	b.Name, _ = utils.CleanUTF8(b.Name)
	b.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Kind routes the bundle to an entity kind.
func (b Bundle) Kind() (models.EntityKind, bool) {
	return models.KindForBundle(b.Key, b.Type)
}

// RawJSON returns the received payload, or a re-encoding of the bundle when
// it was built in code.
func (b Bundle) RawJSON() []byte {
	if len(b.Raw) > 0 {
		return b.Raw
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil
	}
	return data
}

func parseObservedAt(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	value := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &value); err != nil {
			return time.Time{}, err
		}
		if value == "" {
			return time.Time{}, nil
		}
	}

	parsed, _, err := utils.ParseTimestamp(value)
	return parsed, err
}
