// Package assets stores generated artifacts and fetches them from providers.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidKey = errors.New("assets: invalid key")

// Store persists artifacts under a key and returns their public URL.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
	KeyForURL(u string) (string, bool)
}

// JobKey namespaces the n-th artifact of a job by user and job.
func JobKey(userID, jobID uuid.UUID, n int, ext string) string {
	return fmt.Sprintf("users/%s/jobs/%s/%d%s", userID, jobID, n, ext)
}

// Ext picks a file extension from the content type, falling back to the
// extension in the source URL.
func Ext(contentType, sourceURL string) string {
	if ct, _, err := mime.ParseMediaType(contentType); err == nil {
		switch ct {
		case "image/jpeg":
			return ".jpg"
		case "audio/mpeg":
			return ".mp3"
		}
		if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
			return exts[0]
		}
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := path.Ext(u.Path); len(ext) > 1 && len(ext) <= 6 {
			return strings.ToLower(ext)
		}
	}
	return ".bin"
}

// FileServer serves the files under root. Directories are reported as not
// found, so the user and job ids in the tree cannot be listed.
func FileServer(root string) http.Handler {
	return http.FileServer(filesOnly{http.Dir(root)})
}

type filesOnly struct{ http.FileSystem }

func (fsys filesOnly) Open(name string) (http.File, error) {
	f, err := fsys.FileSystem.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}

// FileStore keeps artifacts on the local filesystem and serves them from
// baseURL. It backs development setups and single-node deployments that put
// the directory behind a CDN.
type FileStore struct {
	root    string
	baseURL string
}

func NewFileStore(root, baseURL string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("assets: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("assets: ensure root: %w", err)
	}
	return &FileStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory files are written under.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) Put(ctx context.Context, key, _ string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("assets: ensure directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("assets: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("assets: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("assets: close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("assets: commit file: %w", err)
	}
	return s.baseURL + "/" + clean, nil
}

// Delete removes key. Deleting a missing key succeeds.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, filepath.FromSlash(clean))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("assets: delete %s: %w", clean, err)
	}
	return nil
}

// KeyForURL maps a URL produced by Put back to its key. URLs not served by
// this store (provider fallbacks) report false.
func (s *FileStore) KeyForURL(u string) (string, bool) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(u, prefix) {
		return "", false
	}
	key, err := sanitizeKey(strings.TrimPrefix(u, prefix))
	if err != nil {
		return "", false
	}
	return key, true
}

func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimLeft(strings.TrimPrefix(key, "./"), "/")
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

var _ Store = (*FileStore)(nil)
