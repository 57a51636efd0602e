package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashFields_Deterministic(t *testing.T) {
	rank := 3
	a := HashFields(map[string]any{"name": "Kid A", "rank": &rank, "track": int32(4)})
	b := HashFields(map[string]any{"track": int64(4), "rank": 3, "name": "Kid A"})

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashFields(map[string]any{"name": "Amnesiac"}))
}
