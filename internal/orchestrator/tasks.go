package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/ai"
	"github.com/local/pdfocr/internal/enhance"
	"github.com/local/pdfocr/internal/export"
	"github.com/local/pdfocr/internal/task"
)

// taskView is the polling shape of a task; pages are served by /result.
type taskView struct {
	TaskID      string       `json:"task_id"`
	Filename    string       `json:"filename"`
	Status      task.Status  `json:"status"`
	PDFType     task.PDFType `json:"pdf_type,omitempty"`
	PageCount   int          `json:"page_count"`
	Progress    int          `json:"progress"`
	CurrentPage int          `json:"current_page"`
	TotalPages  int          `json:"total_pages"`
	Error       string       `json:"error,omitempty"`
	HasResult   bool         `json:"has_result"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func viewOf(t task.Task) taskView {
	return taskView{
		TaskID:      t.ID,
		Filename:    t.Filename,
		Status:      t.Status,
		PDFType:     t.PDFType,
		PageCount:   t.PageCount,
		Progress:    t.Progress,
		CurrentPage: t.CurrentPage,
		TotalPages:  t.TotalPages,
		Error:       t.Error,
		HasResult:   t.HasResult(),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (o *Orchestrator) handleTask(w http.ResponseWriter, r *http.Request) {
	t, err := o.deps.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

// ocrRequest mirrors task.RecognitionOptions with 1-based pages. Omitted
// switches take their defaults.
type ocrRequest struct {
	Preprocess   *bool  `json:"preprocess"`
	Denoise      *bool  `json:"denoise"`
	Binarize     *bool  `json:"binarize"`
	Deskew       *bool  `json:"deskew"`
	DPI          int    `json:"dpi"`
	Pages        []int  `json:"pages"`
	IgnoreTop    int    `json:"ignore_top"`
	IgnoreBottom int    `json:"ignore_bottom"`
	IgnoreLeft   int    `json:"ignore_left"`
	IgnoreRight  int    `json:"ignore_right"`
	ForceOCR     bool   `json:"force_ocr"`
	Language     string `json:"language"`
}

func flag(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (req ocrRequest) options() (task.RecognitionOptions, error) {
	opts := task.RecognitionOptions{
		Preprocess:   flag(req.Preprocess, true),
		Denoise:      flag(req.Denoise, true),
		Binarize:     flag(req.Binarize, false),
		Deskew:       flag(req.Deskew, true),
		DPI:          req.DPI,
		IgnoreTop:    req.IgnoreTop,
		IgnoreBottom: req.IgnoreBottom,
		IgnoreLeft:   req.IgnoreLeft,
		IgnoreRight:  req.IgnoreRight,
		ForceOCR:     req.ForceOCR,
		Language:     strings.TrimSpace(req.Language),
	}
	for _, p := range req.Pages {
		if p < 1 {
			return opts, task.Invalid("pages", "page numbers start at 1, got %d", p)
		}
		opts.Pages = append(opts.Pages, p-1)
	}
	return opts, nil
}

// decodeBody reads an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return task.Invalid("body", "invalid json: %v", err)
	}
	return nil
}

func (o *Orchestrator) handleStartOCR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ocrRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := o.deps.Recognition.Start(r.Context(), id, opts); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": task.StatusPending})
}

type resultView struct {
	taskView
	Pages []task.Page `json:"pages,omitempty"`
	Text  string      `json:"text,omitempty"`
}

func (o *Orchestrator) handleResult(w http.ResponseWriter, r *http.Request) {
	t, err := o.deps.Registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res := resultView{taskView: viewOf(t), Pages: t.Pages}
	var parts []string
	for _, p := range t.Pages {
		if p.OK() {
			parts = append(parts, p.Text())
		}
	}
	res.Text = strings.Join(parts, "\n\n")
	writeJSON(w, http.StatusOK, res)
}

type enhanceRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
}

// credentials completes a request from the configured defaults.
func (o *Orchestrator) credentials(req enhanceRequest) ai.Credentials {
	c := ai.Credentials{
		Provider: strings.ToLower(strings.TrimSpace(req.Provider)),
		APIKey:   req.APIKey,
		Model:    req.Model,
		BaseURL:  req.BaseURL,
	}
	if c.Provider == "" {
		c.Provider = o.deps.DefaultProvider
	}
	def, ok := o.deps.Credentials[c.Provider]
	if !ok {
		return c
	}
	if c.APIKey == "" {
		c.APIKey = def.APIKey
	}
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	return c
}

func (o *Orchestrator) handleStartEnhance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req enhanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	cred := o.credentials(req)
	if cred.Provider == "" {
		writeError(w, r, task.Invalid("provider", "no provider given and none configured"))
		return
	}
	if err := o.deps.Enhance.Start(r.Context(), id, cred); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": enhance.StatusProcessing, "provider": cred.Provider, "model": cred.Model})
}

type enhanceView struct {
	TaskID          string         `json:"task_id"`
	Status          enhance.Status `json:"status"`
	ChunksProcessed int            `json:"chunks_processed"`
	ChunksTotal     int            `json:"chunks_total"`
	Provider        string         `json:"provider,omitempty"`
	Model           string         `json:"model,omitempty"`
	Error           string         `json:"error,omitempty"`
	Result          string         `json:"result,omitempty"`
}

func (o *Orchestrator) handleEnhanceStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := o.deps.Registry.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := o.deps.Enhance.Get(id)
	if errors.Is(err, task.ErrNotFound) {
		writeJSON(w, http.StatusOK, enhanceView{TaskID: id, Status: enhance.StatusIdle})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	v := enhanceView{
		TaskID:          id,
		Status:          job.Status,
		ChunksProcessed: job.ChunksProcessed,
		ChunksTotal:     job.ChunksTotal,
		Provider:        job.Provider,
		Model:           job.Model,
		Error:           job.Error,
	}
	if text, ok := o.deps.Enhance.Result(id); ok {
		v.Result = text
	}
	writeJSON(w, http.StatusOK, v)
}

func (o *Orchestrator) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req export.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Format = export.Format(strings.ToLower(string(req.Format)))
	art, err := o.deps.Exporter.Export(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o.observe(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":      id,
		"filename":     art.Filename,
		"format":       art.Format,
		"source":       art.Source,
		"size":         art.Size,
		"created_at":   art.CreatedAt,
		"download_url": "/api/exports/" + art.Filename,
		"mirror_url":   art.Mirror,
	})
}

func (o *Orchestrator) handleListExports(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := o.deps.Registry.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	files := []map[string]string{}
	for _, name := range o.deps.Workspace.Exports(id) {
		files = append(files, map[string]string{"filename": name, "download_url": "/api/exports/" + name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "files": files})
}

func (o *Orchestrator) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	f, err := o.deps.Exporter.Open(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	log.Debug().Str("file", name).Int64("size", info.Size()).Msg("export download")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
