package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "reports"})
	require.ErrorContains(t, err, "client is required")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestObjectNameAppliesPrefix(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "reports", Prefix: "/opwatch/"})
	require.NoError(t, err)
	require.Equal(t, "opwatch/runs/42/a.json", store.ObjectName("runs/42/a.json"))

	bare, err := New(&storage.Client{}, Config{Bucket: "reports"})
	require.NoError(t, err)
	require.Equal(t, "runs/42/a.json", bare.ObjectName("runs/42/a.json"))
}
