package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_CompleteOnce(t *testing.T) {
	request, ctx := NewRequest(context.Background())

	calls := 0
	done := func(map[string]Bundle, error) { calls++ }

	request.Complete(done, map[string]Bundle{}, nil)
	request.Complete(done, nil, errors.New("late"))

	assert.Equal(t, 1, calls)
	assert.False(t, request.Cancel(), "cancel after completion is a no-op")
	assert.False(t, request.Cancelled())
	assert.Error(t, ctx.Err(), "context is released after completion")
}

func TestRequest_CancelBeforeComplete(t *testing.T) {
	request, ctx := NewRequest(context.Background())

	assert.True(t, request.Cancel())
	assert.True(t, request.Cancelled())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	called := false
	request.Complete(func(map[string]Bundle, error) { called = true }, nil, nil)
	assert.False(t, called)
}

func TestBundle_Decode(t *testing.T) {
	var bundle Bundle
	err := bundle.UnmarshalJSON([]byte(`{"key":"t1","name":"Idioteque\u0000","trackNum":8,"albumKey":"a1"}`))
	assert.NoError(t, err)

	assert.Equal(t, "Idioteque", bundle.Name)
	assert.Equal(t, 8, bundle.TrackNumber)
	assert.Equal(t, "a1", bundle.AlbumKey)
	assert.JSONEq(t, `{"key":"t1","name":"Idioteque\u0000","trackNum":8,"albumKey":"a1"}`, string(bundle.RawJSON()))

	kind, ok := bundle.Kind()
	assert.True(t, ok)
	assert.EqualValues(t, "track", kind)
}

func TestBundle_DecodeObservedAt(t *testing.T) {
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		payload  string
		expected time.Time
		wantErr  bool
	}{
		{name: "missing", payload: `{"key":"a1"}`},
		{name: "null", payload: `{"key":"a1","observedAt":null}`},
		{name: "rfc3339", payload: `{"key":"a1","observedAt":"2024-03-10T00:00:00Z"}`, expected: day},
		{name: "date", payload: `{"key":"a1","observedAt":"2024-03-10"}`, expected: day},
		{name: "unix seconds", payload: `{"key":"a1","observedAt":1710028800}`, expected: day},
		{name: "garbage", payload: `{"key":"a1","observedAt":"last tuesday"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bundle Bundle
			err := json.Unmarshal([]byte(tt.payload), &bundle)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(bundle.ObservedAt), bundle.ObservedAt)
		})
	}
}
