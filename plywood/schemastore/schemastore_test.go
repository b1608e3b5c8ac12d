package schemastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plesiecki/plywood/plywood"
	"github.com/plesiecki/plywood/plywood/druid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	attrs := druid.Attributes{
		{Name: "__time", Type: plywood.Time, NativeType: "__time"},
		{Name: "country", Type: plywood.String, NativeType: "STRING", Cardinality: 200},
		{Name: "users", Type: plywood.Null, NativeType: "hyperUnique", Unsplitable: true},
	}

	require.NoError(t, store.Put("wikipedia", attrs))
	got, err := store.Get("wikipedia")
	require.NoError(t, err)
	assert.Equal(t, attrs, got)
}

func TestGetMissingSource(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndSources(t *testing.T) {
	store := openTestStore(t)
	attrs := druid.Attributes{{Name: "__time", Type: plywood.Time, NativeType: "__time"}}

	require.NoError(t, store.Put("a", attrs))
	require.NoError(t, store.Put("b", attrs))

	sources, err := store.Sources()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sources)

	require.NoError(t, store.Delete("a"))
	sources, err = store.Sources()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sources)
}
