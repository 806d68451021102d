package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-chat-rooms/internal/apperr"
)

func TestLocalStoreSaveAndServe(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "http://files.local/files/", 1024)
	require.NoError(t, err)

	obj, err := store.Save(context.Background(), "notes.txt", "", strings.NewReader("hello"))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(obj.Key, ".txt"))
	assert.Equal(t, "http://files.local/files/"+obj.Key, obj.URL)
	assert.Equal(t, int64(5), obj.Size)
	assert.Contains(t, obj.ContentType, "text/plain")

	srv := httptest.NewServer(http.StripPrefix("/files/", store.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/files/" + obj.Key)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
}

func TestLocalStoreRejectsOversize(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/files", 4)
	require.NoError(t, err)

	_, err = store.Save(context.Background(), "big.bin", "application/octet-stream", strings.NewReader("12345"))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestLocalStoreOpenRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/files", 4)
	require.NoError(t, err)

	for _, key := range []string{"", "../etc/passwd", "a/b"} {
		_, err := store.Open(key)
		assert.True(t, apperr.Is(err, apperr.KindNotFound), key)
	}
}

func TestLocalStoreDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "/files", 1024)
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := store.Save(ctx, "a.txt", "", strings.NewReader("bye"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, obj.Key))
	_, err = store.Open(obj.Key)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.NoError(t, store.Delete(ctx, obj.Key), "already gone")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.True(t, apperr.Is(store.Delete(ctx, "a/b"), apperr.KindNotFound))
}
