package obstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/serieslake-io/serieslake/internal/obstore"
)

func TestObstore_Memory_GetAbsentIsNotFound(t *testing.T) {
	t.Parallel()

	store := obstore.NewMemory()
	_, err := store.Get(context.Background(), "datasets/ipc/current/manifest.json")
	require.ErrorIs(t, err, obstore.ErrNotFound)

	_, err = store.Head(context.Background(), "datasets/ipc/current/manifest.json")
	require.ErrorIs(t, err, obstore.ErrNotFound)
}

func TestObstore_Memory_PutGetRoundtrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := obstore.NewMemory()

	etag, err := store.Put(ctx, "k", []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	body, gotETag, err := store.GetWithETag(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body)
	require.Equal(t, etag, gotETag)

	info, err := store.Head(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, etag, info.ETag)
	require.Equal(t, int64(5), info.Size)
}

func TestObstore_Memory_IfMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := obstore.NewMemory()

	etag, err := store.Put(ctx, "ptr", []byte(`{"v":1}`))
	require.NoError(t, err)

	// Stale etag loses without modifying the object.
	_, err = store.Put(ctx, "ptr", []byte(`{"v":9}`), obstore.WithIfMatch(`"bogus"`))
	require.ErrorIs(t, err, obstore.ErrPreconditionFailed)
	body, err := store.Get(ctx, "ptr")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":1}`), body)

	// Current etag wins.
	etag2, err := store.Put(ctx, "ptr", []byte(`{"v":2}`), obstore.WithIfMatch(etag))
	require.NoError(t, err)
	require.NotEqual(t, etag, etag2)

	// The first writer's etag is now stale.
	_, err = store.Put(ctx, "ptr", []byte(`{"v":3}`), obstore.WithIfMatch(etag))
	require.ErrorIs(t, err, obstore.ErrPreconditionFailed)
}

func TestObstore_Memory_IfNoneMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := obstore.NewMemory()

	_, err := store.Put(ctx, "ptr", []byte("a"), obstore.WithIfNoneMatch())
	require.NoError(t, err)

	_, err = store.Put(ctx, "ptr", []byte("b"), obstore.WithIfNoneMatch())
	require.ErrorIs(t, err, obstore.ErrPreconditionFailed)

	body, err := store.Get(ctx, "ptr")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), body)
}

func TestObstore_Memory_ListIsSortedAndPrefixed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := obstore.NewMemory()
	for _, key := range []string{"a/2", "a/1", "b/1", "a/10"} {
		_, err := store.Put(ctx, key, []byte("x"))
		require.NoError(t, err)
	}

	keys, err := store.List(ctx, "a/")
	require.NoError(t, err)
	require.Equal(t, []string{"a/1", "a/10", "a/2"}, keys)

	keys, err = store.List(ctx, "missing/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestObstore_Memory_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := obstore.NewMemory()
	_, err := store.Put(ctx, "k", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, obstore.ErrNotFound)
}

func TestObstore_Memory_CopyDuplicatesBody(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := obstore.NewMemory()
	_, err := store.Put(ctx, "src", []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, store.Copy(ctx, "src", "dst"))
	body, err := store.Get(ctx, "dst")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), body)

	require.ErrorIs(t, store.Copy(ctx, "nope", "dst"), obstore.ErrNotFound)
}

func TestObstore_Memory_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := obstore.NewMemory()
	_, err := store.Put(ctx, "k", []byte("abc"))
	require.NoError(t, err)

	body, err := store.Get(ctx, "k")
	require.NoError(t, err)
	body[0] = 'z'

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)
}
