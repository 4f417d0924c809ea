package storage

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/task"
)

const (
	sourceName = "source.pdf"
	exportsDir = "exports"
	// MetaName is the history record file kept beside the upload.
	MetaName = "meta.json"
	// TempPrefix marks temporary files created by this service.
	TempPrefix = "pdfocr-"
)

// ErrTooLarge is returned when an upload exceeds the size limit.
var ErrTooLarge = errors.New("upload too large")

// Workspace lays out per-task directories under one root:
// <root>/<id>/source.pdf, <root>/<id>/exports/, <root>/<id>/meta.json.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = filepath.Join("data", "tasks")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Workspace{root: root}, nil
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) Dir(id string) string        { return filepath.Join(w.root, id) }
func (w *Workspace) SourcePath(id string) string { return filepath.Join(w.root, id, sourceName) }
func (w *Workspace) ExportsDir(id string) string { return filepath.Join(w.root, id, exportsDir) }
func (w *Workspace) MetaPath(id string) string   { return filepath.Join(w.root, id, MetaName) }

// Upload is what SaveUpload learned about the stored file.
type Upload struct {
	Path string
	Size int64
	MD5  string
}

// SaveUpload streams r into the task's source.pdf, hashing as it goes. At
// most maxBytes are accepted; 0 means no limit. A failed upload leaves no
// directory behind.
func (w *Workspace) SaveUpload(id string, r io.Reader, maxBytes int64) (Upload, error) {
	if err := checkID(id); err != nil {
		return Upload{}, err
	}
	dir := w.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Upload{}, err
	}
	fail := func(err error) (Upload, error) {
		_ = os.RemoveAll(dir)
		return Upload{}, err
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"upload-*.pdf")
	if err != nil {
		return fail(err)
	}
	h := md5.New()
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(fmt.Errorf("write upload: %w", err))
	}
	if maxBytes > 0 && n > maxBytes {
		return fail(fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, maxBytes))
	}
	path := w.SourcePath(id)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fail(err)
	}
	return Upload{Path: path, Size: n, MD5: hex.EncodeToString(h.Sum(nil))}, nil
}

// CreateExport opens a new file in the task's exports directory.
func (w *Workspace) CreateExport(id, filename string) (*os.File, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	if err := checkName(filename); err != nil {
		return nil, err
	}
	dir := w.ExportsDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(dir, filename))
}

// ExportPath resolves a download name. Export names start with the task id
// followed by an underscore; anything that could escape the workspace is
// rejected.
func (w *Workspace) ExportPath(filename string) (string, error) {
	if err := checkName(filename); err != nil {
		return "", err
	}
	id, _, ok := strings.Cut(filename, "_")
	if !ok || checkID(id) != nil {
		return "", task.Invalid("filename", "not an export name")
	}
	p := filepath.Join(w.ExportsDir(id), filename)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: export %s", task.ErrNotFound, filename)
		}
		return "", err
	}
	return p, nil
}

// Exports lists a task's export file names, oldest first.
func (w *Workspace) Exports(id string) []string {
	entries, err := os.ReadDir(w.ExportsDir(id))
	if err != nil {
		return nil
	}
	type named struct {
		name string
		mod  time.Time
	}
	var files []named
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), TempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, named{e.Name(), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].name < files[j].name
		}
		return files[i].mod.Before(files[j].mod)
	})
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.name
	}
	return out
}

// Remove deletes a task's directory. Missing directories are not an error.
func (w *Workspace) Remove(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return os.RemoveAll(w.Dir(id))
}

// IDs lists task directories present on disk.
func (w *Workspace) IDs() []string {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && checkID(e.Name()) == nil {
			out = append(out, e.Name())
		}
	}
	return out
}

// CleanupTemps removes temporary files we created that are older than
// maxAge, both in the workspace and the system temp dir.
func (w *Workspace) CleanupTemps(maxAge time.Duration) int {
	removed := 0
	now := time.Now()
	for _, dir := range []string{w.root, os.TempDir()} {
		_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil {
				return nil
			}
			if info.IsDir() {
				if dir == os.TempDir() && path != dir {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasPrefix(info.Name(), TempPrefix) {
				return nil
			}
			if now.Sub(info.ModTime()) >= maxAge {
				if os.Remove(path) == nil {
					removed++
				}
			}
			return nil
		})
	}
	if removed > 0 {
		log.Info().Int("files", removed).Msg("removed stale temp files")
	}
	return removed
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return task.Invalid("task_id", "invalid id %q", id)
	}
	return nil
}

func checkName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return task.Invalid("filename", "invalid name %q", name)
	}
	return nil
}
