package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchKeys(t *testing.T) {
	tests := []struct {
		name     string
		chunk    *Chunk
		sink     *Sink
		expected []string
	}{
		{
			name:     "chunk keys sorted and deduplicated",
			chunk:    &Chunk{JobID: 1, MatchKeys: []string{"b", "a", "b", ""}},
			sink:     &Sink{ID: 3},
			expected: []string{"a", "b"},
		},
		{
			name:     "strict ordering adds the sink key",
			chunk:    &Chunk{JobID: 1, MatchKeys: []string{"a"}},
			sink:     &Sink{ID: 3, StrictOrdering: true},
			expected: []string{"a", "sink:3"},
		},
		{
			name:     "strict ordering without chunk keys",
			chunk:    &Chunk{JobID: 1},
			sink:     &Sink{ID: 7, StrictOrdering: true},
			expected: []string{"sink:7"},
		},
		{
			name:     "no keys",
			chunk:    &Chunk{JobID: 1},
			sink:     &Sink{ID: 7},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MatchKeys(tt.chunk, tt.sink))
		})
	}
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("12:34")
	require.NoError(t, err)
	assert.Equal(t, NewKey(12, 34), key)
	assert.Equal(t, "12:34", key.String())

	for _, bad := range []string{"", "12", "a:1", "1:b"} {
		_, err := ParseKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestEntryWaitingOn(t *testing.T) {
	entry := &Entry{Key: NewKey(2, 0), WaitingOn: []Key{NewKey(1, 0), NewKey(1, 1)}}
	clone := entry.Clone()

	assert.True(t, clone.RemoveWaitingOn(NewKey(1, 0)))
	assert.False(t, clone.RemoveWaitingOn(NewKey(1, 0)))
	assert.False(t, clone.IsWaitingOn(NewKey(1, 0)))
	assert.True(t, entry.IsWaitingOn(NewKey(1, 0)), "clone must not alias the original")
}
