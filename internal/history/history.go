// Package history persists task records so they survive restarts and can
// be listed, replayed and deleted.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/local/pdfocr/internal/enhance"
	"github.com/local/pdfocr/internal/task"
)

// Record is a persisted task snapshot plus the artifacts produced for it.
type Record struct {
	Task      task.Task `json:"task"`
	HasResult bool      `json:"has_result"`
	Outputs   []string  `json:"outputs,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	// Enhancement is the newest completed AI pass, if any.
	Enhancement *enhance.Job `json:"enhancement,omitempty"`
}

// NewRecord builds a record from a snapshot.
func NewRecord(t task.Task, outputs []string) Record {
	return Record{Task: t.Clone(), HasResult: t.HasResult(), Outputs: outputs, UpdatedAt: t.UpdatedAt}
}

type Store interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns records sorted by UpdatedAt, newest first.
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
}

// SortRecords orders records newest first.
func SortRecords(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].UpdatedAt.After(rs[j].UpdatedAt) })
}

// FileStore keeps each record as <root>/<id>/meta.json.
type FileStore struct {
	root string
	name string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root, name: "meta.json"}
}

func (s *FileStore) path(id string) string { return filepath.Join(s.root, id, s.name) }

// Save writes the record atomically through a temp file and rename.
func (s *FileStore) Save(_ context.Context, r Record) error {
	if r.Task.ID == "" {
		return task.Invalid("task_id", "empty")
	}
	dir := filepath.Join(s.root, r.Task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "pdfocr-meta-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(r.Task.ID))
}

func (s *FileStore) Get(_ context.Context, id string) (Record, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: history %s", task.ErrNotFound, id)
		}
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", s.path(id), err)
	}
	return r, nil
}

// List skips directories without a readable record.
func (s *FileStore) List(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := s.Get(ctx, e.Name())
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	SortRecords(out)
	return out, nil
}

// Delete removes only the record file; the workspace owns the directory.
func (s *FileStore) Delete(_ context.Context, id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
