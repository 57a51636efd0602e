package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
)

// Hashable is implemented by models whose remote content is fingerprinted so
// that re-applying an identical bundle can be skipped.
type Hashable interface {
	GetHashableFields() map[string]any
	SetContentHash(hash string)
	GetContentHash() string
}

// GenerateEntityHash hashes the entity's hashable fields.
func GenerateEntityHash(entity Hashable) string {
	return HashFields(entity.GetHashableFields())
}

// HashFields creates a deterministic SHA-256 over the field map. encoding/json
// sorts map keys, so ordering is stable.
func HashFields(fields map[string]any) string {
	normalized := make(map[string]any, len(fields))
	for key, value := range fields {
		normalized[key] = normalizeValue(value)
	}

	jsonBytes, err := json.Marshal(normalized)
	if err != nil {
		jsonBytes = []byte("{}")
	}

	sum := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(sum[:])
}

func normalizeValue(value any) any {
	if value == nil {
		return nil
	}

	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		return normalizeValue(v.Elem().Interface())
	}

	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Bool:
		return v.Bool()
	default:
		return value
	}
}
