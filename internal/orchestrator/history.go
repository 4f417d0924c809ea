package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfocr/internal/history"
	"github.com/local/pdfocr/internal/task"
)

type historyItem struct {
	TaskID     string       `json:"task_id"`
	Filename   string       `json:"filename"`
	Status     task.Status  `json:"status"`
	PDFType    task.PDFType `json:"pdf_type,omitempty"`
	PageCount  int          `json:"page_count"`
	Progress   int          `json:"progress"`
	Error      string       `json:"error,omitempty"`
	HasResult  bool         `json:"has_result"`
	AIEnhanced bool         `json:"ai_enhanced"`
	Outputs    []string     `json:"outputs"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func itemOf(r history.Record) historyItem {
	outs := r.Outputs
	if outs == nil {
		outs = []string{}
	}
	return historyItem{
		TaskID:     r.Task.ID,
		Filename:   r.Task.Filename,
		Status:     r.Task.Status,
		PDFType:    r.Task.PDFType,
		PageCount:  r.Task.PageCount,
		Progress:   r.Task.Progress,
		Error:      r.Task.Error,
		HasResult:  r.HasResult,
		AIEnhanced: r.Enhancement != nil,
		Outputs:    outs,
		CreatedAt:  r.Task.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (o *Orchestrator) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := o.deps.History.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]historyItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, itemOf(rec))
	}
	writeJSON(w, http.StatusOK, items)
}

func (o *Orchestrator) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := o.DeleteTask(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "deleted": true})
}

// DeleteTask removes a task everywhere: registry, enhancement job, history
// record, workspace files and mirrored artifacts. A task with a running
// recognition cannot be deleted.
func (o *Orchestrator) DeleteTask(ctx context.Context, id string) error {
	regErr := o.deps.Registry.Delete(ctx, id)
	if regErr != nil && !errors.Is(regErr, task.ErrNotFound) {
		return regErr
	}
	if regErr != nil {
		if _, err := o.deps.History.Get(ctx, id); err != nil {
			return regErr
		}
	}
	if o.deps.Recorder != nil {
		o.deps.Recorder.Forget(id)
	}
	if o.deps.Enhance != nil {
		o.deps.Enhance.Delete(id)
	}
	exports := o.deps.Workspace.Exports(id)
	if err := o.deps.History.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("task_id", id).Msg("history delete failed")
	}
	if err := o.deps.Workspace.Remove(id); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	if o.deps.Mirror != nil {
		for _, name := range exports {
			if err := o.deps.Mirror.Delete(ctx, id, name); err != nil {
				log.Warn().Err(err).Str("task_id", id).Str("file", name).Msg("mirror delete failed")
			}
		}
	}
	log.Info().Str("task_id", id).Int("exports", len(exports)).Msg("task deleted")
	return nil
}

// Cleanup deletes tasks not updated within maxAge, skipping ones that are
// still being worked on, and sweeps stale temp files. It returns the number
// of tasks removed.
func (o *Orchestrator) Cleanup(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	seen := map[string]bool{}
	removed := 0
	drop := func(id string) {
		if err := o.DeleteTask(ctx, id); err != nil {
			log.Debug().Err(err).Str("task_id", id).Msg("cleanup skipped task")
			return
		}
		removed++
	}
	for _, t := range o.deps.Registry.List(ctx) {
		seen[t.ID] = true
		if t.UpdatedAt.After(cutoff) {
			continue
		}
		switch t.Status {
		case task.StatusPending, task.StatusProcessing, task.StatusParsing:
			continue
		}
		drop(t.ID)
	}
	if recs, err := o.deps.History.List(ctx); err == nil {
		for _, rec := range recs {
			if !seen[rec.Task.ID] && rec.UpdatedAt.Before(cutoff) {
				drop(rec.Task.ID)
			}
		}
	}
	temps := o.deps.Workspace.CleanupTemps(time.Hour)
	if removed > 0 || temps > 0 {
		log.Info().Int("tasks", removed).Int("temp_files", temps).Dur("max_age", maxAge).Msg("cleanup finished")
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (o *Orchestrator) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Cleanup(ctx, maxAge)
		}
	}
}

func (o *Orchestrator) handleCleanup(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("max_age_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, task.Invalid("max_age_hours", "must be a positive integer"))
			return
		}
		hours = n
	}
	n := o.Cleanup(r.Context(), time.Duration(hours)*time.Hour)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "max_age_hours": hours})
}
