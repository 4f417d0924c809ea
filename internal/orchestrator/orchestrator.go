// Package orchestrator is the HTTP boundary of the service. It accepts
// uploads, exposes task state and drives recognition, enhancement and
// export on request.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/ai"
	"github.com/local/pdfocr/internal/classifier"
	"github.com/local/pdfocr/internal/enhance"
	"github.com/local/pdfocr/internal/export"
	"github.com/local/pdfocr/internal/history"
	"github.com/local/pdfocr/internal/metrics"
	"github.com/local/pdfocr/internal/statuscheck"
	"github.com/local/pdfocr/internal/storage"
	"github.com/local/pdfocr/internal/task"
)

type Classifier interface {
	Classify(ctx context.Context, path string) (classifier.Result, error)
}

type Recognizer interface {
	Start(ctx context.Context, id string, opts task.RecognitionOptions) error
}

type Enhancer interface {
	Start(ctx context.Context, taskID string, cred ai.Credentials) error
	Get(taskID string) (enhance.Job, error)
	Result(taskID string) (string, bool)
	Delete(taskID string)
}

type Exporter interface {
	Export(ctx context.Context, taskID string, req export.Request) (export.Artifact, error)
	Open(filename string) (*os.File, error)
}

type StatusChecker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

// ArtifactMirror removes mirrored copies when a task is deleted.
type ArtifactMirror interface {
	Delete(ctx context.Context, taskID, name string) error
}

type Dependencies struct {
	Registry    task.Registry
	Classifier  Classifier
	Recognition Recognizer
	Enhance     Enhancer
	Exporter    Exporter
	History     history.Store
	Recorder    *history.Recorder
	Workspace   *storage.Workspace
	Checker     StatusChecker
	Mirror      ArtifactMirror

	// Credentials fill in what an enhancement request leaves out, keyed by
	// provider name.
	Credentials     map[string]ai.Credentials
	DefaultProvider string

	MaxUploadBytes int64
	// PollInterval paces the websocket progress stream.
	PollInterval time.Duration
}

type Orchestrator struct {
	deps     Dependencies
	upgrader websocket.Upgrader

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Dependencies) *Orchestrator {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 100 << 20
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 500 * time.Millisecond
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		base:   base,
		cancel: cancel,
	}
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", o.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/upload", o.handleUpload)
	mux.HandleFunc("GET /api/tasks/{id}", o.handleTask)
	mux.HandleFunc("POST /api/tasks/{id}/ocr", o.handleStartOCR)
	mux.HandleFunc("GET /api/tasks/{id}/result", o.handleResult)
	mux.HandleFunc("POST /api/tasks/{id}/enhance", o.handleStartEnhance)
	mux.HandleFunc("GET /api/tasks/{id}/enhance", o.handleEnhanceStatus)
	mux.HandleFunc("POST /api/tasks/{id}/export", o.handleExport)
	mux.HandleFunc("GET /api/tasks/{id}/exports", o.handleListExports)
	mux.HandleFunc("GET /api/exports/{filename}", o.handleDownload)
	mux.HandleFunc("GET /api/history", o.handleHistory)
	mux.HandleFunc("DELETE /api/history/{id}", o.handleDeleteTask)
	mux.HandleFunc("POST /api/cleanup", o.handleCleanup)
	mux.HandleFunc("GET /ws/tasks/{id}", o.handleTaskStream)
}

// Shutdown stops background classification and waits for it.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until background classification has drained.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if o.deps.Checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	sum := o.deps.Checker.Summary(r.Context())
	code := http.StatusOK
	if !sum.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": sum.Ready(), "services": sum})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrAlreadyProcessing),
		errors.Is(err, task.ErrNotCompleted):
		return http.StatusConflict
	case errors.Is(err, task.ErrUnreadablePDF):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, task.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrResourceExhausted),
		errors.Is(err, task.ErrRecognizerUnavailable),
		errors.Is(err, task.ErrEnhancementUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	body := map[string]any{"error": err.Error()}
	var ve *task.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	writeJSON(w, code, body)
}

// observe pushes a fresh snapshot to history, e.g. after new exports.
func (o *Orchestrator) observe(ctx context.Context, id string) {
	if o.deps.Recorder == nil {
		return
	}
	if t, err := o.deps.Registry.Get(ctx, id); err == nil {
		o.deps.Recorder.Observe(t)
	}
}
