package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// 1x1 transparent PNG
var tinyPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = body
	}
	return files
}

func TestSaveWritesResultAndScreenshots(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	res := &models.TaskResult{
		TaskID: "01HTASK",
		Status: models.TaskSucceeded,
		Extracted: map[string]string{
			"title": "Example Domain",
			"shot":  base64.StdEncoding.EncodeToString(tinyPNG),
		},
	}
	dir, err := store.Save(res.TaskID, res)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "result.json"))
	require.NoError(t, err)
	var got models.TaskResult
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Example Domain", got.Extracted["title"])

	img, err := os.ReadFile(filepath.Join(dir, "shot.png"))
	require.NoError(t, err)
	assert.Equal(t, tinyPNG, img)

	_, err = os.Stat(filepath.Join(dir, "title.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveNeverOverwrites(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "01HTASK"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "01HTASK_1"), 0755))

	store, err := NewStore(root)
	require.NoError(t, err)

	dir, err := store.Save("01HTASK", &models.TaskResult{TaskID: "01HTASK"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "01HTASK_2"), dir)

	got, err := store.Dir("01HTASK")
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestScreenshotNamesAreSanitized(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	dir, err := store.Save("01HTASK", &models.TaskResult{
		Extracted: map[string]string{"../escape me": base64.StdEncoding.EncodeToString(tinyPNG)},
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, ".._escape_me.png"))
	assert.NoError(t, err)
}

func TestDirFindsFoldersFromEarlierRuns(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "01HOLD"), 0755))

	store, err := NewStore(root)
	require.NoError(t, err)

	dir, err := store.Dir("01HOLD")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "01HOLD"), dir)

	_, err = store.Dir("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Dir("../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchive(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save("01HTASK", &models.TaskResult{
		TaskID:    "01HTASK",
		Extracted: map[string]string{"page": base64.StdEncoding.EncodeToString(tinyPNG)},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, store.Archive("01HTASK", &buf))

	files := readArchive(t, buf.Bytes())
	assert.Contains(t, files, "result.json")
	assert.Equal(t, tinyPNG, files["page.png"])

	assert.ErrorIs(t, store.Archive("nope", io.Discard), ErrNotFound)
}
