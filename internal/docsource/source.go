// Package docsource lists the documents that feed the worklist.
package docsource

import (
	"context"
	"fmt"
	"html"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// namespace scopes document ids so the same relative path always maps to the
// same id.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cmsflow:docsource"))

// Document is one source file.
type Document struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	ModifiedAt time.Time `json:"modified_at"`
}

type Source interface {
	Fetch(ctx context.Context) ([]Document, error)
}

// DocumentID returns the stable id for a slash separated relative path.
func DocumentID(relPath string) string {
	return uuid.NewSHA1(namespace, []byte(filepath.ToSlash(relPath))).String()
}

// DirSource reads documents from a directory tree.
type DirSource struct {
	Root       string
	Extensions []string
}

var defaultExtensions = []string{".md", ".html", ".txt"}

func (s DirSource) accepts(name string) bool {
	exts := s.Extensions
	if len(exts) == 0 {
		exts = defaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Fetch walks Root and returns matching files ordered by path. Hidden
// directories are skipped.
func (s DirSource) Fetch(ctx context.Context) ([]Document, error) {
	if s.Root == "" {
		return nil, fmt.Errorf("source directory is not configured")
	}
	var docs []Document
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.Root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.accepts(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			return fmt.Errorf("%s: content is not valid UTF-8", rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		content := string(data)
		docs = append(docs, Document{
			ID:         DocumentID(rel),
			Path:       filepath.ToSlash(rel),
			Title:      Title(rel, content),
			Content:    content,
			ModifiedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", s.Root, err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

// Title picks a document title: the first markdown heading, the HTML title
// element, or the file name without extension.
func Title(relPath, content string) string {
	switch strings.ToLower(filepath.Ext(relPath)) {
	case ".md":
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "# ") {
				return strings.TrimSpace(line[2:])
			}
		}
	case ".html", ".htm":
		lower := strings.ToLower(content)
		if i := strings.Index(lower, "<title>"); i >= 0 {
			if j := strings.Index(lower[i:], "</title>"); j > 0 {
				if t := strings.TrimSpace(html.UnescapeString(content[i+len("<title>") : i+j])); t != "" {
					return t
				}
			}
		}
	}
	base := filepath.Base(relPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Static serves a fixed document list.
type Static []Document

func (s Static) Fetch(context.Context) ([]Document, error) {
	return append([]Document(nil), s...), nil
}
