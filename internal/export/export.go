// Package export renders a recognized task into downloadable files.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/enhance"
	"github.com/local/pdfocr/internal/metrics"
	"github.com/local/pdfocr/internal/storage"
	"github.com/local/pdfocr/internal/task"
)

type Format string

const (
	FormatTXT  Format = "txt"
	FormatMD   Format = "md"
	FormatDOCX Format = "docx"
	FormatPDF  Format = "pdf"
)

type Source string

const (
	SourceOriginal Source = "original"
	SourceEnhanced Source = "enhanced"
)

var contentTypes = map[Format]string{
	FormatTXT:  "text/plain; charset=utf-8",
	FormatMD:   "text/markdown; charset=utf-8",
	FormatDOCX: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	FormatPDF:  "application/pdf",
}

// ContentType maps a file name to its download MIME type.
func ContentType(filename string) string {
	if ct, ok := contentTypes[Format(strings.TrimPrefix(filepath.Ext(filename), "."))]; ok {
		return ct
	}
	return "application/octet-stream"
}

type Request struct {
	Format             Format `json:"format"`
	Source             Source `json:"source"`
	Title              string `json:"title"`
	IncludePageNumbers bool   `json:"include_page_numbers"`
}

// Artifact describes a written export.
type Artifact struct {
	TaskID    string    `json:"task_id"`
	Filename  string    `json:"filename"`
	Format    Format    `json:"format"`
	Source    Source    `json:"source"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Mirror    string    `json:"mirror_url,omitempty"`
}

// EnhancedText exposes completed enhancement results per page.
type EnhancedText interface {
	PageTexts(taskID string) ([]enhance.PageText, bool)
}

// Mirror receives a copy of every artifact.
type Mirror interface {
	Put(ctx context.Context, taskID, name, contentType string, data []byte) (string, error)
}

type Options struct {
	Registry  task.Registry
	Enhanced  EnhancedText
	Workspace *storage.Workspace
	Mirror    Mirror
	Now       func() time.Time
}

// Generator writes exports into the task workspace.
type Generator struct {
	reg      task.Registry
	enhanced EnhancedText
	ws       *storage.Workspace
	mirror   Mirror
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

func New(opts Options) *Generator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{reg: opts.Registry, enhanced: opts.Enhanced, ws: opts.Workspace, mirror: opts.Mirror, now: opts.Now}
}

// page is one page of a document snapshot.
type page struct {
	Number int
	Text   string
}

// document is everything an encoder needs, copied at export time.
type document struct {
	Title       string
	Pages       []page
	Markdown    bool
	PageNumbers bool
	SourcePDF   string
}

// Export snapshots the task (and its enhancement when used) and writes the
// requested format.
func (g *Generator) Export(ctx context.Context, taskID string, req Request) (Artifact, error) {
	if _, ok := contentTypes[req.Format]; !ok {
		return Artifact{}, task.Invalid("format", "unsupported format %q", req.Format)
	}
	if req.Source == "" {
		req.Source = SourceOriginal
	}
	if req.Source != SourceOriginal && req.Source != SourceEnhanced {
		return Artifact{}, task.Invalid("source", "unsupported source %q", req.Source)
	}
	t, err := g.reg.Get(ctx, taskID)
	if err != nil {
		return Artifact{}, err
	}
	if !exportable(t) {
		return Artifact{}, fmt.Errorf("%w: task %s is %s", task.ErrNotCompleted, taskID, t.Status)
	}

	doc, src := g.snapshot(t, req)
	name := g.filename(taskID, src, req.Format)
	lg := log.With().Str("task_id", taskID).Str("format", string(req.Format)).Str("source", string(src)).Logger()

	f, err := g.ws.CreateExport(taskID, name)
	if err != nil {
		return Artifact{}, err
	}
	path := f.Name()
	var buf bytes.Buffer
	w := io.MultiWriter(f, &buf)
	switch req.Format {
	case FormatTXT:
		err = writeTXT(w, doc)
	case FormatMD:
		err = writeMD(w, doc)
	case FormatDOCX:
		err = writeDOCX(w, doc)
	case FormatPDF:
		err = writePDF(f, doc)
		buf.Reset()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		lg.Error().Err(err).Msg("export failed")
		return Artifact{}, fmt.Errorf("export %s: %w", req.Format, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, err
	}
	art := Artifact{TaskID: taskID, Filename: name, Format: req.Format, Source: src, Size: info.Size(), CreatedAt: info.ModTime().UTC()}
	metrics.IncExport(string(req.Format), string(src))

	if g.mirror != nil {
		data := buf.Bytes()
		if req.Format == FormatPDF {
			data, err = os.ReadFile(path)
		}
		if err == nil {
			art.Mirror, err = g.mirror.Put(ctx, taskID, name, contentTypes[req.Format], data)
		}
		if err != nil {
			lg.Warn().Err(err).Msg("artifact mirror failed")
		}
	}
	lg.Info().Str("file", name).Int64("size", art.Size).Msg("export written")
	return art, nil
}

// Open returns the file behind a download name.
func (g *Generator) Open(filename string) (*os.File, error) {
	p, err := g.ws.ExportPath(filename)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// exportable accepts completed tasks and failed ones that kept pages.
func exportable(t task.Task) bool {
	switch t.Status {
	case task.StatusCompleted:
		return true
	case task.StatusFailed:
		return t.HasResult()
	}
	return false
}

// snapshot copies the text to export. Markdown always prefers enhanced
// text; other formats honour the requested source and fall back to the
// original when no enhancement result exists.
func (g *Generator) snapshot(t task.Task, req Request) (document, Source) {
	doc := document{Title: req.Title, PageNumbers: req.IncludePageNumbers, SourcePDF: t.SourcePath}
	wantEnhanced := req.Format == FormatMD || req.Source == SourceEnhanced
	if wantEnhanced && g.enhanced != nil {
		if pages, ok := g.enhanced.PageTexts(t.ID); ok && len(pages) > 0 {
			for _, p := range pages {
				doc.Pages = append(doc.Pages, page{Number: p.PageIndex + 1, Text: p.Text})
			}
			doc.Markdown = true
			return doc, SourceEnhanced
		}
	}
	for _, p := range t.Pages {
		if !p.OK() {
			continue
		}
		doc.Pages = append(doc.Pages, page{Number: p.Index + 1, Text: p.Text()})
	}
	return doc, SourceOriginal
}

// filename is <task id>_<source>_<UTC yyyyMMddTHHmmss.000>.<format>. Two
// exports in the same millisecond get distinct stamps.
func (g *Generator) filename(taskID string, src Source, f Format) string {
	g.mu.Lock()
	ts := g.now().UTC().Truncate(time.Millisecond)
	if !ts.After(g.last) {
		ts = g.last.Add(time.Millisecond)
	}
	g.last = ts
	g.mu.Unlock()
	return fmt.Sprintf("%s_%s_%s.%s", taskID, src, ts.Format("20060102T150405.000"), f)
}
