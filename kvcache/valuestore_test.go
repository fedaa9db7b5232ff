package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueStoreRoundTripUncompressed(t *testing.T) {
	vs, err := newValueStore(4, 2, false)
	require.NoError(t, err)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	vs.Put(0, 0, 3, data)

	got, ok, err := vs.Get(0, 0, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, got)

	_, ok, err = vs.Get(0, 0, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValueStoreRoundTripCompressed(t *testing.T) {
	vs, err := newValueStore(4, 2, true)
	require.NoError(t, err)

	data := []byte{9, 9, 9, 9, 0, 0, 0, 0}
	vs.Put(1, 2, 7, data)

	got, ok, err := vs.Get(1, 2, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestValueStoreHas(t *testing.T) {
	vs, err := newValueStore(4, 2, false)
	require.NoError(t, err)
	assert.False(t, vs.Has(0, 0, 0))
	vs.Put(0, 0, 0, []byte{1})
	assert.True(t, vs.Has(0, 0, 0))
}
