package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"state":"SUCCEEDED"}`)
	uri, err := store.PutObject(context.Background(), "runs/42/report.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://runs/42/report.json", uri)

	payload[0] = 'X'
	obj, ok := store.Get("runs/42/report.json")
	require.True(t, ok)
	require.Equal(t, "application/json", obj.ContentType)
	require.Equal(t, `{"state":"SUCCEEDED"}`, string(obj.Data))

	obj.Data[0] = 'Y'
	again, _ := store.Get("runs/42/report.json")
	require.Equal(t, byte('{'), again.Data[0])
	require.Equal(t, []string{"runs/42/report.json"}, store.Paths())

	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
