package docsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDirSourceFetch(t *testing.T) {
	root := t.TempDir()
	write(t, root, "news/park.md", "intro\n# 公园\n他们决定去公园玩耍。")
	write(t, root, "about.html", "<html><head><title>About &amp; Us</title></head></html>")
	write(t, root, "notes.txt", "plain")
	write(t, root, "image.png", "binary")
	write(t, root, ".drafts/hidden.md", "# hidden")

	docs, err := DirSource{Root: root}.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, "about.html", docs[0].Path)
	assert.Equal(t, "About & Us", docs[0].Title)
	assert.Equal(t, "news/park.md", docs[1].Path)
	assert.Equal(t, "公园", docs[1].Title)
	assert.Equal(t, "notes", docs[2].Title)
	assert.Equal(t, DocumentID("news/park.md"), docs[1].ID)
}

func TestDocumentIDIsStable(t *testing.T) {
	assert.Equal(t, DocumentID("a/b.md"), DocumentID("a/b.md"))
	assert.NotEqual(t, DocumentID("a/b.md"), DocumentID("a/c.md"))
}

func TestDirSourceExtensionsAndErrors(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.md", "# a")
	write(t, root, "b.txt", "b")

	docs, err := DirSource{Root: root, Extensions: []string{".TXT"}}.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.txt", docs[0].Path)

	_, err = DirSource{}.Fetch(context.Background())
	require.Error(t, err)
	_, err = DirSource{Root: filepath.Join(root, "missing")}.Fetch(context.Background())
	require.Error(t, err)

	write(t, root, "bad.txt", string([]byte{0xff, 0xfe}))
	_, err = DirSource{Root: root}.Fetch(context.Background())
	require.Error(t, err)
}
