package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfocr/internal/ai"
	"github.com/local/pdfocr/internal/classifier"
	"github.com/local/pdfocr/internal/enhance"
	"github.com/local/pdfocr/internal/export"
	"github.com/local/pdfocr/internal/history"
	"github.com/local/pdfocr/internal/statuscheck"
	"github.com/local/pdfocr/internal/storage"
	"github.com/local/pdfocr/internal/task"
)

const tinyPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

type fakeClassifier struct {
	res classifier.Result
	err error
}

func (f fakeClassifier) Classify(context.Context, string) (classifier.Result, error) {
	return f.res, f.err
}

type fakeRecognizer struct {
	mu  sync.Mutex
	got []task.RecognitionOptions
	err error
}

func (f *fakeRecognizer) Start(_ context.Context, _ string, opts task.RecognitionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, opts)
	return nil
}

type fakeEnhancer struct {
	mu      sync.Mutex
	creds   []ai.Credentials
	jobs    map[string]enhance.Job
	deleted []string
}

func (f *fakeEnhancer) Start(_ context.Context, id string, c ai.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, c)
	return nil
}

func (f *fakeEnhancer) Get(id string) (enhance.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return enhance.Job{}, task.ErrNotFound
	}
	return j, nil
}

func (f *fakeEnhancer) Result(id string) (string, bool) {
	j, err := f.Get(id)
	if err != nil || j.Status != enhance.StatusCompleted {
		return "", false
	}
	return j.Text(), true
}

func (f *fakeEnhancer) PageTexts(id string) ([]enhance.PageText, bool) {
	j, err := f.Get(id)
	if err != nil || j.Status != enhance.StatusCompleted {
		return nil, false
	}
	return j.Pages(), true
}

func (f *fakeEnhancer) Delete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.jobs, id)
}

type fakeChecker struct{ sum statuscheck.Summary }

func (f fakeChecker) Summary(context.Context) statuscheck.Summary { return f.sum }

type env struct {
	o    *Orchestrator
	reg  *task.MemoryRegistry
	ws   *storage.Workspace
	hist *history.FileStore
	rec  *history.Recorder
	recg *fakeRecognizer
	enh  *fakeEnhancer
	mux  *http.ServeMux
}

func newEnv(t *testing.T, mutate func(*Dependencies)) *env {
	t.Helper()
	ws, err := storage.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	hist := history.NewFileStore(ws.Root())
	rec := history.NewRecorder(hist, ws.Exports)
	reg := task.NewMemoryRegistry(task.MemoryOptions{Observer: rec.Observe})
	e := &env{
		reg:  reg,
		ws:   ws,
		hist: hist,
		rec:  rec,
		recg: &fakeRecognizer{},
		enh:  &fakeEnhancer{jobs: map[string]enhance.Job{}},
		mux:  http.NewServeMux(),
	}
	deps := Dependencies{
		Registry:    reg,
		Classifier:  fakeClassifier{res: classifier.Result{PDFType: task.PDFScanned, PageCount: 3}},
		Recognition: e.recg,
		Enhance:     e.enh,
		Exporter:    export.New(export.Options{Registry: reg, Enhanced: e.enh, Workspace: ws}),
		History:     hist,
		Recorder:    rec,
		Workspace:   ws,
		Credentials: map[string]ai.Credentials{
			"openai": {Provider: "openai", APIKey: "sk-default", Model: "gpt-4o-mini"},
		},
		DefaultProvider: "openai",
		PollInterval:    10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&deps)
	}
	e.o = New(deps)
	e.o.RegisterRoutes(e.mux)
	t.Cleanup(func() { _ = e.o.Shutdown(context.Background()) })
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *env) upload(t *testing.T, field, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &b)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

// restore registers a finished task directly.
func (e *env) restore(t *testing.T, st task.Status, updated time.Time, pages ...task.Page) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, os.MkdirAll(e.ws.Dir(id), 0o755))
	require.NoError(t, e.reg.Restore(context.Background(), task.Task{
		ID: id, Filename: "doc.pdf", Status: st, Pages: pages, PageCount: len(pages),
		CreatedAt: updated, UpdatedAt: updated,
	}))
	return id
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestUploadClassifiesTask(t *testing.T) {
	e := newEnv(t, nil)
	w := e.upload(t, "file", `C:\scans\report.pdf`, []byte(tinyPDF))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[map[string]string](t, w)["task_id"]
	require.NotEmpty(t, id)
	e.o.Wait()

	w = e.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[taskView](t, w)
	assert.Equal(t, task.StatusReady, v.Status)
	assert.Equal(t, task.PDFScanned, v.PDFType)
	assert.Equal(t, 3, v.PageCount)
	assert.Equal(t, "report.pdf", v.Filename)

	tk, err := e.reg.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, e.ws.SourcePath(id), tk.SourcePath)
	assert.Equal(t, int64(len(tinyPDF)), tk.Size)
	assert.Len(t, tk.FileHash, 32)
	assert.FileExists(t, tk.SourcePath)
}

func TestUploadClassificationFailure(t *testing.T) {
	e := newEnv(t, func(d *Dependencies) {
		d.Classifier = fakeClassifier{err: fmt.Errorf("%w: broken xref", task.ErrUnreadablePDF)}
	})
	w := e.upload(t, "file", "bad.pdf", []byte(tinyPDF))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[map[string]string](t, w)["task_id"]
	e.o.Wait()

	v := decode[taskView](t, e.do(t, http.MethodGet, "/api/tasks/"+id, nil))
	assert.Equal(t, task.StatusFailed, v.Status)
	assert.Contains(t, v.Error, "broken xref")
}

func TestUploadRejections(t *testing.T) {
	e := newEnv(t, func(d *Dependencies) { d.MaxUploadBytes = 16 })

	w := e.upload(t, "file", "notes.pdf", []byte("just some text, not a pdf"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.upload(t, "other", "a.pdf", []byte(tinyPDF))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.upload(t, "file", "big.pdf", []byte(tinyPDF))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, e.ws.IDs())
	assert.Empty(t, e.reg.List(context.Background()))

	w = e.do(t, http.MethodPost, "/api/upload", map[string]string{"file": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartOCRConvertsPages(t *testing.T) {
	e := newEnv(t, nil)
	id := e.restore(t, task.StatusReady, time.Now())

	w := e.do(t, http.MethodPost, "/api/tasks/"+id+"/ocr", map[string]any{"pages": []int{3, 1}, "dpi": 200, "ignore_top": 10})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, e.recg.got, 1)
	opts := e.recg.got[0]
	assert.Equal(t, []int{2, 0}, opts.Pages)
	assert.True(t, opts.Preprocess)
	assert.True(t, opts.Denoise)
	assert.False(t, opts.Binarize)
	assert.True(t, opts.Deskew)
	assert.Equal(t, 200, opts.DPI)
	assert.Equal(t, 10, opts.IgnoreTop)

	w = e.do(t, http.MethodPost, "/api/tasks/"+id+"/ocr", map[string]any{"pages": []int{0}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/tasks/"+id+"/ocr", map[string]any{"bogus": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	e.recg.err = fmt.Errorf("%w: %s", task.ErrAlreadyProcessing, id)
	w = e.do(t, http.MethodPost, "/api/tasks/"+id+"/ocr", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResultAndNotFound(t *testing.T) {
	e := newEnv(t, nil)
	id := e.restore(t, task.StatusCompleted, time.Now(),
		task.Page{Index: 0, Outcome: task.OutcomeOK, Paragraphs: []string{"alpha", "beta"}},
		task.FailedPage(1, "render failed"),
		task.OKPage(2, task.SourceOCR, "gamma", 0.9),
	)

	w := e.do(t, http.MethodGet, "/api/tasks/"+id+"/result", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[resultView](t, w)
	assert.Len(t, res.Pages, 3)
	assert.Equal(t, "alpha\n\nbeta\n\ngamma", res.Text)
	assert.True(t, res.HasResult)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/tasks/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/tasks/nope/result", nil).Code)
}

func TestEnhanceEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	id := e.restore(t, task.StatusCompleted, time.Now(), task.OKPage(0, task.SourceOCR, "text", 1))

	w := e.do(t, http.MethodGet, "/api/tasks/"+id+"/enhance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, enhance.StatusIdle, decode[enhanceView](t, w).Status)

	w = e.do(t, http.MethodPost, "/api/tasks/"+id+"/enhance", map[string]string{"model": "gpt-4o"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, e.enh.creds, 1)
	assert.Equal(t, ai.Credentials{Provider: "openai", APIKey: "sk-default", Model: "gpt-4o"}, e.enh.creds[0])

	e.enh.jobs[id] = enhance.Job{
		TaskID: id, Status: enhance.StatusCompleted, ChunksTotal: 1, ChunksProcessed: 1,
		Chunks: []enhance.Chunk{{Index: 0, PageIndex: 0, Original: "text", Formatted: "**text**"}},
	}
	v := decode[enhanceView](t, e.do(t, http.MethodGet, "/api/tasks/"+id+"/enhance", nil))
	assert.Equal(t, enhance.StatusCompleted, v.Status)
	assert.Equal(t, 1, v.ChunksProcessed)
	assert.Equal(t, "**text**", v.Result)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/tasks/nope/enhance", nil).Code)
}

func TestExportAndDownload(t *testing.T) {
	e := newEnv(t, nil)
	id := e.restore(t, task.StatusCompleted, time.Now(), task.OKPage(0, task.SourceOCR, "exported text", 1))

	w := e.do(t, http.MethodPost, "/api/tasks/"+id+"/export", map[string]any{"format": "TXT"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[map[string]any](t, w)
	name := out["filename"].(string)
	assert.True(t, strings.HasPrefix(name, id+"_original_"))
	assert.Equal(t, "/api/exports/"+name, out["download_url"])

	w = e.do(t, http.MethodGet, "/api/exports/"+name, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "exported text\n", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), name)

	list := decode[map[string]any](t, e.do(t, http.MethodGet, "/api/tasks/"+id+"/exports", nil))
	assert.Len(t, list["files"], 1)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/tasks/"+id+"/export", map[string]any{"format": "rtf"}).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/exports/"+id+"_original_missing.txt", nil).Code)

	ready := e.restore(t, task.StatusReady, time.Now())
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/tasks/"+ready+"/export", map[string]any{"format": "md"}).Code)
}

func TestHistoryListAndDelete(t *testing.T) {
	e := newEnv(t, nil)
	w := e.upload(t, "file", "kept.pdf", []byte(tinyPDF))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[map[string]string](t, w)["task_id"]
	e.o.Wait()
	e.rec.Flush(context.Background())

	items := decode[[]historyItem](t, e.do(t, http.MethodGet, "/api/history", nil))
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].TaskID)
	assert.Equal(t, task.StatusReady, items[0].Status)
	assert.Equal(t, []string{}, items[0].Outputs)

	w = e.do(t, http.MethodDelete, "/api/history/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NoDirExists(t, e.ws.Dir(id))
	assert.Equal(t, []string{id}, e.enh.deleted)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/tasks/"+id, nil).Code)
	assert.Empty(t, decode[[]historyItem](t, e.do(t, http.MethodGet, "/api/history", nil)))

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/api/history/"+id, nil).Code)
}

func TestHistoryFlagsEnhancedTasks(t *testing.T) {
	e := newEnv(t, nil)
	w := e.upload(t, "file", "plain.pdf", []byte(tinyPDF))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[map[string]string](t, w)["task_id"]
	e.o.Wait()
	e.rec.Flush(context.Background())

	items := decode[[]historyItem](t, e.do(t, http.MethodGet, "/api/history", nil))
	require.Len(t, items, 1)
	assert.False(t, items[0].AIEnhanced)

	e.rec.ObserveEnhancement(enhance.Job{
		TaskID: id, Status: enhance.StatusCompleted, ChunksTotal: 1, ChunksProcessed: 1,
		Chunks: []enhance.Chunk{{Original: "a", Formatted: "A"}},
	})
	e.rec.Flush(context.Background())

	items = decode[[]historyItem](t, e.do(t, http.MethodGet, "/api/history", nil))
	require.Len(t, items, 1)
	assert.True(t, items[0].AIEnhanced)
}

func TestCleanupRemovesOldTasks(t *testing.T) {
	e := newEnv(t, nil)
	old := e.restore(t, task.StatusCompleted, time.Now().Add(-48*time.Hour))
	fresh := e.restore(t, task.StatusCompleted, time.Now())

	assert.Equal(t, 1, e.o.Cleanup(context.Background(), 24*time.Hour))
	_, err := e.reg.Get(context.Background(), old)
	assert.ErrorIs(t, err, task.ErrNotFound)
	assert.NoDirExists(t, e.ws.Dir(old))
	_, err = e.reg.Get(context.Background(), fresh)
	assert.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/cleanup?max_age_hours=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	e := newEnv(t, func(d *Dependencies) {
		d.Checker = fakeChecker{sum: statuscheck.Summary{
			Tesseract: statuscheck.Status{OK: false, Message: "not installed"},
			MuPDF:     statuscheck.Status{OK: true, Message: "Available"},
		}}
	})
	w := e.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not installed")

	w = e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestTaskStreamUntilTerminal(t *testing.T) {
	e := newEnv(t, nil)
	id, err := e.reg.Create(context.Background(), task.FileMeta{Filename: "s.pdf"})
	require.NoError(t, err)

	srv := httptest.NewServer(e.mux)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/tasks/"+id, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first taskView
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, task.StatusUploaded, first.Status)

	_, err = e.reg.Transition(context.Background(), id, task.StatusUploaded, task.StatusFailed, task.Payload{Error: "gave up"})
	require.NoError(t, err)

	var last taskView
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, task.StatusFailed, last.Status)
	assert.Equal(t, "gave up", last.Error)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestTaskStreamUnknownTask(t *testing.T) {
	e := newEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/ws/tasks/missing", nil).Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		task.ErrNotFound:                          http.StatusNotFound,
		&task.TransitionError{ID: "x"}:            http.StatusConflict,
		task.ErrAlreadyProcessing:                 http.StatusConflict,
		task.ErrNotCompleted:                      http.StatusConflict,
		fmt.Errorf("%w: x", task.ErrUnreadablePDF): http.StatusUnprocessableEntity,
		task.Invalid("f", "bad"):                  http.StatusBadRequest,
		storage.ErrTooLarge:                       http.StatusRequestEntityTooLarge,
		task.ErrResourceExhausted:                 http.StatusServiceUnavailable,
		io.ErrUnexpectedEOF:                       http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a.pdf", sanitizeFilename("../../a.pdf"))
	assert.Equal(t, "b.pdf", sanitizeFilename(`..\dir\b.pdf`))
	assert.Equal(t, "upload.pdf", sanitizeFilename(""))
	assert.Equal(t, "cd.pdf", sanitizeFilename("c\x00d.pdf"))
	assert.Len(t, sanitizeFilename(strings.Repeat("é", 200)), 254)
}
