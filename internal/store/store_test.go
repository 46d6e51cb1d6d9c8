package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleDoc struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewCreatesStateDirectory(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "state"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(root, "state"), s.Dir())
}

func TestGetMissingDocument(t *testing.T) {
	s := newTestStore(t)

	var doc sampleDoc
	found, err := s.Get("missing.json", &doc)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, sampleDoc{}, doc)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := sampleDoc{ID: "TASK-1", Title: "Build X", Tags: []string{"backend"}}
	require.NoError(t, s.Put("tasks.json", in))

	var out sampleDoc
	found, err := s.Get("tasks.json", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestMarshalDocumentFormat(t *testing.T) {
	data, err := MarshalDocument(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)

	// Sorted keys, 2-space indent, trailing newline.
	assert.Equal(t, "{\n  \"a\": 1,\n  \"b\": 2\n}\n", string(data))
}

func TestMarshalDocumentStable(t *testing.T) {
	doc := map[string]interface{}{
		"name":  "alpha",
		"count": 3,
		"inner": map[string]string{"z": "last", "a": "first"},
	}
	first, err := MarshalDocument(doc)
	require.NoError(t, err)
	second, err := MarshalDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMarshalDocumentNoHTMLEscape(t *testing.T) {
	data, err := MarshalDocument(map[string]string{"cmd": "a && b <c>"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "a && b <c>")
}

func TestWriteAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, WriteAtomic(path, map[string]string{"v": "one"}))
	require.NoError(t, WriteAtomic(path, map[string]string{"v": "two"}))

	var doc map[string]string
	found, err := ReadFile(path, &doc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "two", doc["v"])

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Equal(t, []string{"doc.json"}, names)
}

func TestReadFileRejectsCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var doc map[string]string
	_, err := ReadFile(path, &doc)
	assert.Error(t, err)
}

func TestPutRewriteIsByteStable(t *testing.T) {
	s := newTestStore(t)
	doc := []sampleDoc{{ID: "TASK-1", Title: "one"}, {ID: "TASK-2", Title: "two"}}

	require.NoError(t, s.Put("tasks.json", doc))
	first, err := os.ReadFile(s.Path("tasks.json"))
	require.NoError(t, err)

	var reread []sampleDoc
	_, err = s.Get("tasks.json", &reread)
	require.NoError(t, err)
	require.NoError(t, s.Put("tasks.json", reread))

	second, err := os.ReadFile(s.Path("tasks.json"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLockSerializesAccess(t *testing.T) {
	s := newTestStore(t)

	release, err := s.Lock()
	require.NoError(t, err)
	release()

	// Reacquire after release works.
	release, err = s.Lock()
	require.NoError(t, err)
	release()
}
