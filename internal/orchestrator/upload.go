package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/filetype"
	"github.com/local/pdfocr/internal/metrics"
	"github.com/local/pdfocr/internal/task"
)

// multipartSlack covers the multipart framing around the file part.
const multipartSlack = 1 << 20

// handleUpload streams the "file" part of a multipart form into a new task
// workspace, registers the task and starts classification.
func (o *Orchestrator) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, o.deps.MaxUploadBytes+multipartSlack)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, task.Invalid("file", "expected multipart/form-data"))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, r, task.Invalid("file", "missing file field"))
			return
		}
		if err != nil {
			writeError(w, r, uploadError(err))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		id, err := o.ingest(r.Context(), part, part.FileName())
		part.Close()
		if err != nil {
			metrics.IncTask("rejected")
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"task_id": id, "status": task.StatusUploaded})
		return
	}
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return task.Invalid("file", "malformed multipart body: %v", err)
}

// ingest validates and stores one upload and returns the new task id.
func (o *Orchestrator) ingest(ctx context.Context, r io.Reader, name string) (string, error) {
	name = sanitizeFilename(name)
	body, err := filetype.RequirePDF(r, name)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	up, err := o.deps.Workspace.SaveUpload(id, body, o.deps.MaxUploadBytes)
	if err != nil {
		return "", err
	}
	if _, err := o.deps.Registry.Create(ctx, task.FileMeta{
		ID:         id,
		Filename:   name,
		Size:       up.Size,
		FileHash:   up.MD5,
		SourcePath: up.Path,
	}); err != nil {
		_ = o.deps.Workspace.Remove(id)
		return "", err
	}
	metrics.IncTask("uploaded")
	log.Info().Str("task_id", id).Str("file", name).Int64("size", up.Size).Str("md5", up.MD5).Msg("upload stored")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.classify(id, up.Path)
	}()
	return id, nil
}

// classify runs uploaded -> parsing -> ready|failed for a fresh task.
func (o *Orchestrator) classify(id, path string) {
	ctx := o.base
	lg := log.With().Str("task_id", id).Logger()
	if _, err := o.deps.Registry.Transition(ctx, id, task.StatusUploaded, task.StatusParsing, task.Payload{}); err != nil {
		lg.Warn().Err(err).Msg("classification skipped")
		return
	}
	start := time.Now()
	res, err := o.deps.Classifier.Classify(ctx, path)
	if err != nil {
		metrics.IncClassified("unreadable")
		metrics.IncTask("failed")
		lg.Warn().Err(err).Msg("classification failed")
		if _, terr := o.deps.Registry.Transition(ctx, id, task.StatusParsing, task.StatusFailed, task.Payload{Error: err.Error()}); terr != nil {
			lg.Error().Err(terr).Msg("could not record classification failure")
		}
		return
	}
	metrics.IncClassified(string(res.PDFType))
	if _, err := o.deps.Registry.Transition(ctx, id, task.StatusParsing, task.StatusReady, task.Payload{PDFType: &res.PDFType, PageCount: &res.PageCount}); err != nil {
		lg.Error().Err(err).Msg("could not record classification")
		return
	}
	lg.Info().Str("pdf_type", string(res.PDFType)).Int("pages", res.PageCount).Dur("dur", time.Since(start)).Msg("document classified")
}

// sanitizeFilename keeps the base name of an upload without control
// characters, capped at 255 bytes.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		name = "upload.pdf"
	}
	for len(name) > 255 {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	return name
}
