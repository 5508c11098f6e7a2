package helpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestCopyFileRefusesExistingTarget(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.store")
	dst := filepath.Join(dir, "b.store")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	assert.Error(t, CopyFile(src, dst))
}

func TestRenameAndRemoveStoreFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "old.store")
	dst := filepath.Join(dir, "new.store")
	require.NoError(t, os.WriteFile(src, []byte("db"), 0644))
	require.NoError(t, os.WriteFile(src+"-wal", []byte("wal"), 0644))

	require.NoError(t, RenameStore(src, dst))
	assert.True(t, FileExists(dst, nil))
	assert.True(t, FileExists(dst+"-wal", nil))
	assert.False(t, FileExists(src, nil))
	assert.False(t, FileExists(dst+"-shm", nil))

	require.NoError(t, RemoveStoreFiles(dst))
	assert.False(t, FileExists(dst, nil))
	assert.False(t, FileExists(dst+"-wal", nil))

	// Removing an absent store is not an error.
	assert.NoError(t, RemoveStoreFiles(dst))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"users"`, QuoteIdentifier("users"))
	assert.Equal(t, `"we""ird"`, QuoteIdentifier(`we"ird`))
}

func TestEncodeJSONElementIndentsLikeArrayMember(t *testing.T) {
	v := map[string]int{"a": 1}
	whole, err := EncodeJSON([]map[string]int{v})
	require.NoError(t, err)

	elem, err := EncodeJSONElement(v)
	require.NoError(t, err)

	assert.Equal(t, "[\n"+string(elem)+"\n]\n", string(whole))
}

func TestFileTimes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.store")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	created, modified, err := FileTimes(path)
	require.NoError(t, err)
	assert.False(t, modified.IsZero())
	assert.False(t, created.After(modified.Add(time.Second)))

	_, _, err = FileTimes(path + ".missing")
	assert.True(t, os.IsNotExist(err))
}
