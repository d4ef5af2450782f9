package spool

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bmizerany/assert"
)

func TestStore_WriteReadRemove(t *testing.T) {
	store, err := NewStore(t.TempDir())
	assert.Equal(t, nil, err)

	payload := bytes.Repeat([]byte("instrument-record;"), 1000)
	ref, err := store.Write("batch-1", payload)
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(len(payload)), ref.Size)
	assert.Equal(t, true, ref.Checksum != "")

	got, err := store.Read(ref)
	assert.Equal(t, nil, err)
	assert.Equal(t, payload, got)

	err = store.Remove(ref)
	assert.Equal(t, nil, err)
	_, err = store.Read(ref)
	assert.NotEqual(t, nil, err)

	//removing twice is fine
	assert.Equal(t, nil, store.Remove(ref))
}

func TestStore_CorruptBlob(t *testing.T) {
	store, err := NewStore(t.TempDir())
	assert.Equal(t, nil, err)

	ref, err := store.Write("batch-2", []byte("aaaaaaaaaa"))
	assert.Equal(t, nil, err)

	//same length, different content
	err = os.WriteFile(ref.Path, []byte("bbbbbbbbbb"), 0o600)
	assert.Equal(t, nil, err)
	_, err = store.Read(ref)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, true, strings.Contains(err.Error(), "checksum mismatch"))

	//truncated content
	err = os.WriteFile(ref.Path, []byte("bb"), 0o600)
	assert.Equal(t, nil, err)
	_, err = store.Read(ref)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, true, strings.Contains(err.Error(), "size mismatch"))
}

func TestStore_Sweep(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	assert.Equal(t, nil, err)

	ref, err := store.Write("stale", []byte("old payload"))
	assert.Equal(t, nil, err)
	fresh, err := store.Write("fresh", []byte("new payload"))
	assert.Equal(t, nil, err)

	old := time.Now().Add(-2 * time.Hour)
	assert.Equal(t, nil, os.Chtimes(ref.Path, old, old))

	//unrelated files are left alone
	other := filepath.Join(dir, "notes.txt")
	assert.Equal(t, nil, os.WriteFile(other, []byte("keep"), 0o600))
	assert.Equal(t, nil, os.Chtimes(other, old, old))

	removed, err := store.Sweep(time.Hour)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, removed)

	_, err = store.Read(ref)
	assert.NotEqual(t, nil, err)
	_, err = store.Read(fresh)
	assert.Equal(t, nil, err)
	_, err = os.Stat(other)
	assert.Equal(t, nil, err)
}
