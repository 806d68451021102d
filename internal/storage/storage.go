// Package storage is the file-storage collaborator for attachments and room
// images: it accepts uploads and returns stable URLs.
package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"go-chat-rooms/internal/apperr"
)

type Object struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
}

// LocalStore writes uploads under a directory and serves them back under
// baseURL.
type LocalStore struct {
	dir      string
	baseURL  string
	maxBytes int64
}

func NewLocalStore(dir, baseURL string, maxBytes int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), maxBytes: maxBytes}, nil
}

// Save stores r under a fresh key. The original file name only contributes
// its extension.
func (s *LocalStore) Save(ctx context.Context, name, contentType string, r io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 10 {
		ext = ""
	}
	key := uuid.NewString() + ext

	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Object{}, apperr.Internal("create upload", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	// Read one byte past the limit to detect oversize uploads.
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, apperr.Internal("write upload", err)
	}
	if n > s.maxBytes {
		return Object{}, apperr.Validation("upload exceeds size limit")
	}

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = detectType(tmp, ext)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, key)); err != nil {
		return Object{}, apperr.Internal("store upload", err)
	}

	return Object{
		Key:         key,
		URL:         s.baseURL + "/" + key,
		ContentType: contentType,
		Size:        n,
	}, nil
}

func detectType(file, ext string) string {
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	f, err := os.Open(file)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	return http.DetectContentType(head[:n])
}

// objectPath maps a key to its file. Keys never contain a directory.
func (s *LocalStore) objectPath(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || strings.Contains(clean, "/") {
		return "", apperr.NotFound("file not found")
	}
	return filepath.Join(s.dir, clean), nil
}

// Open returns a stored object for reading.
func (s *LocalStore) Open(key string) (*os.File, error) {
	file, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("file not found")
	}
	return f, err
}

// Delete removes a stored object. Deleting a missing object succeeds.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.Internal("delete upload", err)
	}
	return nil
}

// Handler serves stored objects; mount it with http.StripPrefix.
func (s *LocalStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := s.Open(r.URL.Path)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer f.Close()
		stat, err := f.Stat()
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
	})
}
