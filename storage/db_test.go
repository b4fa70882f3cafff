package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDB(t *testing.T) Storage {
	db, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplyIsAtomic(t *testing.T) {
	db := mustDB(t)

	require.NoError(t, db.Set([]byte("a:old"), []byte("1")))

	err := db.Apply(NewBatch().
		Delete([]byte("a:old")).
		Set([]byte("a:new"), []byte("2")).
		Set([]byte("a:idx"), []byte("new")))
	require.NoError(t, err)

	ok, err := db.Exist([]byte("a:old"))
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := db.GetKey([]byte("a:new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	n, err := db.CountKeysByPrefix([]byte("a:"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestApplyDeleteThenSetSameKey(t *testing.T) {
	db := mustDB(t)

	require.NoError(t, db.Apply(NewBatch().Delete([]byte("k")).Set([]byte("k"), []byte("v"))))
	v, err := db.GetKey([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestGetByPrefixIsOrdered(t *testing.T) {
	db := mustDB(t)

	for _, k := range []string{"q:003", "q:001", "q:002", "r:001"} {
		require.NoError(t, db.Set([]byte(k), []byte(k)))
	}

	items, err := db.GetByPrefix([]byte("q:"))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "q:001", string(items[0].Key))
	assert.Equal(t, "q:003", string(items[2].Key))
}

func TestMove(t *testing.T) {
	db := mustDB(t)

	require.NoError(t, db.Set([]byte("b:p:1"), []byte("bundle")))
	require.NoError(t, db.Move([]byte("b:p:1"), []byte("b:i:1")))

	_, err := db.GetKey([]byte("b:p:1"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	v, err := db.GetKey([]byte("b:i:1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), v)
}

func TestSequenceIsMonotonic(t *testing.T) {
	db := mustDB(t)

	seq, err := db.GetSequence([]byte("seq:test"), 10)
	require.NoError(t, err)

	a, err := seq.Next()
	require.NoError(t, err)
	b, err := seq.Next()
	require.NoError(t, err)
	assert.Greater(t, b, a)
}

func TestBackupAndLoad(t *testing.T) {
	src := mustDB(t)
	require.NoError(t, src.Set([]byte("rep:x"), []byte("1")))

	var buf bytes.Buffer
	_, err := src.Backup(context.Background(), &buf, 0)
	require.NoError(t, err)

	dst := mustDB(t)
	require.NoError(t, dst.Load(context.Background(), &buf))

	v, err := dst.GetKey([]byte("rep:x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}
