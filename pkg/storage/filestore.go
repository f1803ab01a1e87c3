package storage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cuemby/imagegend/pkg/errdefs"
)

// localDir is the byte-store namespace under the working directory. Paths
// recorded in image rows are relative to the working directory and always
// slash-separated, so they double as URL paths under /storage/.
const localDir = "storage/local"

// FileStore persists image bytes under the working directory. Writes are
// atomic (temp file + rename) and files are write-once: generated content
// never targets an existing name because identifiers are unique.
type FileStore struct {
	workDir string
}

// NewFileStore creates the byte store rooted at workDir
func NewFileStore(workDir string) (*FileStore, error) {
	dir := filepath.Join(workDir, filepath.FromSlash(localDir))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{workDir: workDir}, nil
}

// Root returns the working directory the store is rooted at
func (f *FileStore) Root() string {
	return f.workDir
}

// FileName builds the canonical byte-file name for one produced image
func FileName(taskID string, index int, ext string) string {
	return fmt.Sprintf("%s_%d.%s", taskID, index, ext)
}

// Put writes data under the byte-store namespace and returns the relative
// path to record in the image row. The name must be bare (no separators).
func (f *FileStore) Put(name string, data []byte) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid file name: %s", name)
	}

	dir := filepath.Join(f.workDir, filepath.FromSlash(localDir))
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindIOError, err, "failed to create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", errdefs.Wrap(errdefs.KindIOError, err, "failed to write image bytes")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", errdefs.Wrap(errdefs.KindIOError, err, "failed to close temp file")
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return "", errdefs.Wrap(errdefs.KindIOError, err, "failed to persist image file")
	}

	return path.Join(localDir, name), nil
}

// PutThumbnail writes a thumbnail next to its owner. The thumbnail may
// carry a different extension than the original (webp originals get jpeg
// thumbnails), so ext is passed explicitly.
func (f *FileStore) PutThumbnail(data []byte, ownerRel string, ext string) (string, error) {
	base := path.Base(ownerRel)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return f.Put("thumb_"+stem+"."+ext, data)
}

// Resolve validates a recorded relative path and returns the absolute
// location on disk. Anything outside the byte-store namespace is rejected.
func (f *FileStore) Resolve(rel string) (string, error) {
	clean := path.Clean(rel)
	if !strings.HasPrefix(clean, localDir+"/") || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", errdefs.Ef(errdefs.KindInvalidParams, "invalid storage path: %s", rel)
	}
	return filepath.Join(f.workDir, filepath.FromSlash(clean)), nil
}

// Open opens a stored file for reading
func (f *FileStore) Open(rel string) (*os.File, error) {
	abs, err := f.Resolve(rel)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Ef(errdefs.KindNotFound, "file not found: %s", rel)
		}
		return nil, errdefs.Wrap(errdefs.KindIOError, err, "failed to open image file")
	}
	return file, nil
}

// Remove deletes a stored file. Missing files are not an error, so cascade
// deletes converge when re-run.
func (f *FileStore) Remove(rel string) error {
	if rel == "" {
		return nil
	}
	abs, err := f.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrap(errdefs.KindIOError, err, "failed to remove image file")
	}
	return nil
}

// SweepIndex removes whatever bytes exist on disk for one task index,
// temp leftovers included. A crash can land a file the image row never
// came to reference; the name stem is deterministic, the extension is
// not, so this matches by glob.
func (f *FileStore) SweepIndex(taskID string, index int) error {
	dir := filepath.Join(f.workDir, filepath.FromSlash(localDir))
	stem := fmt.Sprintf("%s_%d", taskID, index)

	matches, err := filepath.Glob(filepath.Join(dir, stem+".*"))
	if err != nil {
		return errdefs.Wrap(errdefs.KindIOError, err, "failed to scan storage directory")
	}
	thumbs, err := filepath.Glob(filepath.Join(dir, "thumb_"+stem+".*"))
	if err != nil {
		return errdefs.Wrap(errdefs.KindIOError, err, "failed to scan storage directory")
	}
	for _, abs := range append(matches, thumbs...) {
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return errdefs.Wrap(errdefs.KindIOError, err, "failed to remove stray file")
		}
	}
	return nil
}

// ReadWithin reads a file after verifying it lives under root. Used for
// path-referenced inputs that must not escape the configured directory.
func ReadWithin(root, p string) ([]byte, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIOError, err, "failed to resolve reference root")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, errdefs.Ef(errdefs.KindInvalidParams, "invalid reference path: %s", p)
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, errdefs.Ef(errdefs.KindInvalidParams, "reference path outside allowed directory: %s", p)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Ef(errdefs.KindInvalidParams, "referenced file does not exist: %s", p)
		}
		return nil, errdefs.Wrap(errdefs.KindIOError, err, "failed to read referenced file")
	}
	return data, nil
}
