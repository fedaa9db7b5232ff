package kvcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowkv/shadowkv/ml"
	_ "github.com/shadowkv/shadowkv/ml/backend/cpu"
)

func newTestContext(t *testing.T) ml.Context {
	t.Helper()
	backend, err := ml.NewBackend("cpu", ml.BackendParams{})
	require.NoError(t, err)
	t.Cleanup(backend.Close)
	return backend.NewContext()
}
