package queue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudflare/miniflare-sub008/internal/queue"
)

func TestEncodeDecodeContentTypes(t *testing.T) {
	text, err := queue.EncodeBody(queue.ContentText, "hello")
	require.NoError(t, err)
	got, err := queue.DecodeBody(queue.ContentText, text)
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	j, err := queue.EncodeBody(queue.ContentJSON, map[string]interface{}{"a": 1.0})
	require.NoError(t, err)
	got, err = queue.DecodeBody(queue.ContentJSON, j)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"a": 1.0}, got)

	raw, err := queue.EncodeBody(queue.ContentBytes, []byte{1, 2, 3})
	require.NoError(t, err)
	got, err = queue.DecodeBody(queue.ContentBytes, raw)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	v8, err := queue.EncodeBody(queue.ContentV8, "v8 value")
	require.NoError(t, err)
	got, err = queue.DecodeBody(queue.ContentV8, v8)
	require.NoError(t, err)
	require.Equal(t, "v8 value", got)
}

func TestEncodeBodyRejectsOversizedMessage(t *testing.T) {
	big := make([]byte, 200000)
	_, err := queue.EncodeBody(queue.ContentBytes, big)
	require.Error(t, err)
}
